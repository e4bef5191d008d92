// This file is part of snapboot
// Copyright 2024 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package sdbootmgr

import (
	"errors"

	"gopkg.in/check.v1"
)

type managerSuite struct {
	systemMixin
}

var _ = check.Suite(&managerSuite{})

func (s *managerSuite) TestNewManagerNeedsVolumesAndESP(c *check.C) {
	_, err := NewManager(Options{ESP: testESP, Arch: "x64"})
	var ce *ConfigurationError
	c.Check(errors.As(err, &ce), check.Equals, true)

	_, err = NewManager(Options{Arch: "x64", Volumes: s.volumes})
	c.Check(errors.As(err, &ce), check.Equals, true)
}

func (s *managerSuite) TestNewManagerArch(c *check.C) {
	_, err := NewManager(Options{ESP: testESP, Arch: "mips", Volumes: s.volumes})
	c.Check(err, check.ErrorMatches, "configuration error: unsupported EFI architecture mips")

	m, err := NewManager(Options{ESP: testESP, Arch: "aa64", Volumes: s.volumes})
	c.Assert(err, check.IsNil)
	c.Check(m.Arch(), check.Equals, "aa64")
	c.Check(m.image, check.Equals, "Image")
}

func (s *managerSuite) TestNewManagerEntryToken(c *check.C) {
	m, err := NewManager(Options{ESP: testESP, Arch: "x64", Volumes: s.volumes})
	c.Assert(err, check.IsNil)
	c.Check(m.EntryToken(), check.Equals, testMachineID)

	m, err = NewManager(Options{ESP: testESP, Arch: "x64", Volumes: s.volumes, EntryToken: TokenOSID})
	c.Assert(err, check.IsNil)
	c.Check(m.EntryToken(), check.Equals, "opensuse-tumbleweed")

	_, err = NewManager(Options{ESP: testESP, Arch: "x64", Volumes: s.volumes, EntryToken: TokenOSImage})
	c.Check(err, check.ErrorMatches, "configuration error: IMAGE_ID is not set in os-release")

	c.Assert(s.fs.Remove("/etc/machine-id"), check.IsNil)
	_, err = NewManager(Options{ESP: testESP, Arch: "x64", Volumes: s.volumes})
	c.Check(err, check.ErrorMatches, "configuration error: machine id is not set")
}

func (s *managerSuite) TestCloseWithoutWorkDir(c *check.C) {
	m := s.newManager(c)
	c.Check(m.Close(), check.IsNil)

	dir, err := m.tempDir()
	c.Assert(err, check.IsNil)
	again, err := m.tempDir()
	c.Assert(err, check.IsNil)
	c.Check(again, check.Equals, dir)
	c.Check(s.exists(c, dir), check.Equals, true)

	c.Assert(m.Close(), check.IsNil)
	c.Check(s.exists(c, dir), check.Equals, false)
}
