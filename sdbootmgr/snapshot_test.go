// This file is part of snapboot
// Copyright 2024 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package sdbootmgr

import (
	"errors"

	"gopkg.in/check.v1"

	"github.com/canonical/snapboot/efivars"
)

type selectSuite struct {
	systemMixin
	bm *recordingBootManager
}

var _ = check.Suite(&selectSuite{})

func (s *selectSuite) SetUpTest(c *check.C) {
	s.systemMixin.SetUpTest(c)
	s.bm = &recordingBootManager{BootManager: NewLoaderEntries(testESP)}
}

func (s *selectSuite) newManager(c *check.C) *Manager {
	m, err := NewManager(Options{
		ESP:             testESP,
		Arch:            "x64",
		Volumes:         s.volumes,
		BootManager:     s.bm,
		InitrdGenerator: s.initrds,
	})
	c.Assert(err, check.IsNil)
	s.restores = append(s.restores, func() { m.Close() })
	return m
}

func (s *selectSuite) loaderVar(c *check.C, name string) string {
	data, _, err := s.vars.GetVariable(LoaderGUID, name)
	c.Assert(err, check.IsNil)
	v, err := efivars.ParseLoaderString(data)
	c.Assert(err, check.IsNil)
	return v
}

func (s *selectSuite) TestSnapshotName(c *check.C) {
	c.Check(testSnapshot(42).Name(), check.Equals, "42")
}

func (s *selectSuite) TestSetDefaultInstallsLazily(c *check.C) {
	snap := s.addSnapshot(c, 5)
	s.addKernel(c, snap, "5.14.0", "kernel", "initrd")
	m := s.newManager(c)

	id, err := m.SetDefaultSnapshot(snap)
	c.Assert(err, check.IsNil)
	c.Check(id, check.Equals, testMachineID+"-5.14.0-5")
	c.Check(s.entryIDs(c), check.DeepEquals, []string{id})
	c.Check(s.bm.defaults, check.DeepEquals, []string{id})
	c.Check(s.bm.oneshots, check.HasLen, 0)
	c.Check(s.loaderVar(c, efivars.LoaderEntryDefault), check.Equals, id+".conf")

	entries, err := s.bm.List()
	c.Assert(err, check.IsNil)
	c.Check(entries[0].IsDefault, check.Equals, true)
}

func (s *selectSuite) TestSetDefaultNoKernels(c *check.C) {
	snap := s.addSnapshot(c, 5)
	m := s.newManager(c)

	_, err := m.SetDefaultSnapshot(snap)
	var nk *NoKernelsError
	c.Assert(errors.As(err, &nk), check.Equals, true)
	c.Check(nk.Snapshot, check.Equals, 5)
	c.Check(s.bm.defaults, check.HasLen, 0)
	c.Check(s.entryIDs(c), check.HasLen, 0)
}

func (s *selectSuite) TestSetDefaultPartialInstall(c *check.C) {
	snap := s.addSnapshot(c, 5)
	s.addKernel(c, snap, "6.4.2", "kernel 6.4.2", "initrd")
	// snapshot 5 is not running and has no parent: no initrd for 6.1.0
	s.addKernel(c, snap, "6.1.0", "kernel 6.1.0", "")
	m := s.newManager(c)

	id, err := m.SetDefaultSnapshot(snap)
	c.Check(err, check.ErrorMatches, "kernel 6.1.0: no initrd .*")
	var iu *InitrdUnavailableError
	c.Check(errors.As(err, &iu), check.Equals, true)
	c.Check(id, check.Equals, testMachineID+"-6.4.2-5")
	c.Check(s.bm.defaults, check.DeepEquals, []string{id})
}

func (s *selectSuite) TestSetDefaultNothingInstallable(c *check.C) {
	snap := s.addSnapshot(c, 5)
	s.addKernel(c, snap, "6.1.0", "kernel 6.1.0", "")
	m := s.newManager(c)

	id, err := m.SetDefaultSnapshot(snap)
	c.Check(id, check.Equals, "")
	var iu *InitrdUnavailableError
	c.Check(errors.As(err, &iu), check.Equals, true)
	c.Check(s.bm.defaults, check.HasLen, 0)
}

func (s *selectSuite) TestSetDefaultPicksNewest(c *check.C) {
	snap := s.addSnapshot(c, 5)
	s.addKernel(c, snap, "6.1.0", "kernel 6.1.0", "initrd")
	s.addKernel(c, snap, "6.4.2", "kernel 6.4.2", "initrd")
	m := s.newManager(c)
	_, err := m.InstallKernel(snap, "6.1.0")
	c.Assert(err, check.IsNil)

	// existing entries are used as they are
	id, err := m.SetDefaultSnapshot(snap)
	c.Assert(err, check.IsNil)
	c.Check(id, check.Equals, testMachineID+"-6.1.0-5")
	c.Check(s.entryIDs(c), check.HasLen, 1)

	_, err = m.InstallKernel(snap, "6.4.2")
	c.Assert(err, check.IsNil)
	id, err = m.SetDefaultSnapshot(snap)
	c.Assert(err, check.IsNil)
	c.Check(id, check.Equals, testMachineID+"-6.4.2-5")
}

func (s *selectSuite) TestSetOneshot(c *check.C) {
	snap := s.addSnapshot(c, 5)
	s.addKernel(c, snap, "6.4.2", "kernel", "initrd")
	m := s.newManager(c)

	id, err := m.SetOneshotSnapshot(snap)
	c.Assert(err, check.IsNil)
	c.Check(s.bm.oneshots, check.DeepEquals, []string{id})
	c.Check(s.bm.defaults, check.HasLen, 0)
	c.Check(s.loaderVar(c, efivars.LoaderEntryOneShot), check.Equals, id+".conf")
}

func (s *selectSuite) TestSetDefaultWithoutEFI(c *check.C) {
	snap := s.addSnapshot(c, 5)
	s.addKernel(c, snap, "6.4.2", "kernel", "initrd")
	s.restores = append(s.restores, mockEFIVars(NoEFIVariables{}))
	m := s.newManager(c)

	_, err := m.SetDefaultSnapshot(snap)
	c.Check(err, check.ErrorMatches, "cannot set default entry: .*")
	// the entry is there for the next attempt
	c.Check(s.entryIDs(c), check.HasLen, 1)
}
