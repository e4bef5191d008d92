// This file is part of snapboot
// Copyright 2024 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package sdbootmgr

import (
	"errors"
	"os/exec"

	"gopkg.in/check.v1"
)

type initrdSuite struct {
	systemMixin
}

var _ = check.Suite(&initrdSuite{})

// installParent installs kernelVersion for snapshot 4 and returns the
// initrd path its entry references.
func (s *initrdSuite) installParent(c *check.C, m *Manager, kernelVersion string) string {
	parent := s.addSnapshot(c, 4)
	s.addKernel(c, parent, kernelVersion, "kernel", "parent initrd")
	id, err := m.InstallKernel(parent, kernelVersion)
	c.Assert(err, check.IsNil)

	entries, err := m.BootManager().List()
	c.Assert(err, check.IsNil)
	e, ok := findEntry(entries, id)
	c.Assert(ok, check.Equals, true)
	return e.Initrd
}

func (s *initrdSuite) TestReuseParentInitrd(c *check.C) {
	m := s.newManager(c)
	p := s.installParent(c, m, "6.4.2")

	child := s.addSnapshot(c, 5)
	s.addKernel(c, child, "6.4.2", "kernel", "")
	s.volumes.parents[5] = 4

	entries, err := m.BootManager().List()
	c.Assert(err, check.IsNil)
	r, err := m.resolveInitrd(child, "6.4.2", "", entries)
	c.Assert(err, check.IsNil)
	c.Check(r.source, check.Equals, initrdInstalled)
	c.Check(r.espPath, check.Equals, p)

	id, err := m.InstallKernel(child, "6.4.2")
	c.Assert(err, check.IsNil)
	entries, err = m.BootManager().List()
	c.Assert(err, check.IsNil)
	e, _ := findEntry(entries, id)
	c.Check(e.Initrd, check.Equals, p)
	c.Check(s.initrds.calls, check.HasLen, 0)
}

func (s *initrdSuite) TestOwnInitrdWins(c *check.C) {
	m := s.newManager(c)
	s.installParent(c, m, "6.4.2")

	child := s.addSnapshot(c, 5)
	s.addKernel(c, child, "6.4.2", "kernel", "child initrd")
	s.volumes.parents[5] = 4

	r, err := m.resolveInitrd(child, "6.4.2", "", nil)
	c.Assert(err, check.IsNil)
	c.Check(r.source, check.Equals, initrdInSnapshot)
	c.Check(r.file, check.Equals, "/.snapshots/5/snapshot/usr/lib/modules/6.4.2/initrd")
}

func (s *initrdSuite) TestParentEntryWithoutInitrd(c *check.C) {
	m := s.newManager(c)
	s.writeFile(c, testESP+"/loader/entries/"+EntryID(testMachineID, "6.4.2", "4")+".conf",
		"title x\nversion 4@6.4.2\noptions root=UUID=1234 rootflags=subvol=@/.snapshots/4/snapshot\nlinux /x\n")

	child := s.addSnapshot(c, 5)
	s.addKernel(c, child, "6.4.2", "kernel", "")
	s.volumes.parents[5] = 4

	_, err := m.InstallKernel(child, "6.4.2")
	var iu *InitrdUnavailableError
	c.Assert(errors.As(err, &iu), check.Equals, true)
	c.Check(iu.Snapshot, check.Equals, 5)
	c.Check(err, check.ErrorMatches, ".* has no initrd")
}

func (s *initrdSuite) TestWritableParentRefused(c *check.C) {
	m := s.newManager(c)
	s.installParent(c, m, "6.4.2")
	m.requireReadOnlyParent = true

	child := s.addSnapshot(c, 5)
	s.addKernel(c, child, "6.4.2", "kernel", "")
	s.volumes.parents[5] = 4

	_, err := m.InstallKernel(child, "6.4.2")
	var iu *InitrdUnavailableError
	c.Check(errors.As(err, &iu), check.Equals, true)

	s.volumes.readOnly[4] = true
	_, err = m.InstallKernel(child, "6.4.2")
	c.Check(err, check.IsNil)
}

func (s *initrdSuite) TestGenerateForRootSnapshot(c *check.C) {
	m := s.newManager(c)
	root := s.addSnapshot(c, 2)
	s.addKernel(c, root, "6.4.2", "kernel", "")

	id, err := m.InstallKernel(root, "6.4.2")
	c.Assert(err, check.IsNil)
	c.Check(s.initrds.calls, check.DeepEquals, []string{"6.4.2"})
	initrd := testESP + "/" + testMachineID + "/6.4.2/initrd-" + sha1Hex("generated initrd 6.4.2")
	c.Check(s.readFile(c, initrd), check.Equals, "generated initrd 6.4.2")

	// the installed initrd is kept rather than regenerated
	id2, err := m.InstallKernel(root, "6.4.2")
	c.Assert(err, check.IsNil)
	c.Check(id2, check.Equals, id)
	c.Check(s.initrds.calls, check.HasLen, 1)

	// and the working area goes away with the manager
	dir := m.workDir
	c.Assert(dir, check.Not(check.Equals), "")
	c.Assert(m.Close(), check.IsNil)
	c.Check(s.exists(c, dir), check.Equals, false)
}

func (s *initrdSuite) TestRegenerateForRebuiltKernel(c *check.C) {
	m := s.newManager(c)
	root := s.addSnapshot(c, 2)
	s.addKernel(c, root, "6.4.2", "kernel v1", "")
	id, err := m.InstallKernel(root, "6.4.2")
	c.Assert(err, check.IsNil)

	// same version, new binary: the old initrd belongs to the old kernel
	s.addKernel(c, root, "6.4.2", "kernel v2", "")
	s.initrds.image = "initrd for kernel v2"
	_, err = m.InstallKernel(root, "6.4.2")
	c.Assert(err, check.IsNil)
	c.Check(s.initrds.calls, check.DeepEquals, []string{"6.4.2", "6.4.2"})

	entries, err := m.BootManager().List()
	c.Assert(err, check.IsNil)
	e, ok := findEntry(entries, id)
	c.Assert(ok, check.Equals, true)
	dir := "/" + testMachineID + "/6.4.2/"
	c.Check(e.Linux, check.Equals, dir+"linux-"+sha1Hex("kernel v2"))
	c.Check(e.Initrd, check.Equals, dir+"initrd-"+sha1Hex("initrd for kernel v2"))

	// the binaries of the replaced entry are gone
	c.Check(s.exists(c, testESP+dir+"linux-"+sha1Hex("kernel v1")), check.Equals, false)
	c.Check(s.exists(c, testESP+dir+"initrd-"+sha1Hex("generated initrd 6.4.2")), check.Equals, false)
}

func (s *initrdSuite) TestGenerateFails(c *check.C) {
	m := s.newManager(c)
	root := s.addSnapshot(c, 2)
	s.addKernel(c, root, "6.4.2", "kernel", "")
	s.initrds.err = errors.New("dracut exploded")

	_, err := m.InstallKernel(root, "6.4.2")
	c.Check(err, check.ErrorMatches, "no initrd for kernel 6.4.2 in snapshot 2: dracut exploded")
	c.Check(s.exists(c, testESP+"/"+testMachineID), check.Equals, false)
}

func (s *initrdSuite) TestNoInitrdForOtherSnapshot(c *check.C) {
	m := s.newManager(c)
	snap := s.addSnapshot(c, 7)
	s.addKernel(c, snap, "6.4.2", "kernel", "")

	_, err := m.InstallKernel(snap, "6.4.2")
	var iu *InitrdUnavailableError
	c.Assert(errors.As(err, &iu), check.Equals, true)
	c.Check(iu.KernelVersion, check.Equals, "6.4.2")
	c.Check(s.initrds.calls, check.HasLen, 0)
}

func (s *initrdSuite) TestDracut(c *check.C) {
	var args []string
	old := execCommand
	execCommand = func(name string, arg ...string) *exec.Cmd {
		args = append([]string{name}, arg...)
		return exec.Command("true")
	}
	defer func() { execCommand = old }()

	c.Assert(Dracut{}.Generate("/tmp/initrd", "6.4.2"), check.IsNil)
	c.Check(args, check.DeepEquals, []string{"dracut", "--quiet", "--force", "--kver", "6.4.2", "/tmp/initrd"})

	execCommand = func(name string, arg ...string) *exec.Cmd {
		return exec.Command("false")
	}
	c.Check(Dracut{}.Generate("/tmp/initrd", "6.4.2"), check.ErrorMatches, "dracut failed: .*")
}
