// This file is part of snapboot
// Copyright 2024 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package sdbootmgr

import (
	"errors"
	"os"

	"github.com/spf13/afero"
	"gopkg.in/check.v1"
)

type transactionSuite struct {
	mapFsMixin
}

var _ = check.Suite(&transactionSuite{})

func (s *transactionSuite) TestInstallPaths(c *check.C) {
	c.Check(KernelInstallPath("tok", "6.4.2", "abc"), check.Equals, "/tok/6.4.2/linux-abc")
	c.Check(InitrdInstallPath("tok", "6.4.2", "abc"), check.Equals, "/tok/6.4.2/initrd-abc")
}

func (s *transactionSuite) TestInstallCommit(c *check.C) {
	s.writeFile(c, "/src/a", "a")

	tx := newTransaction()
	c.Assert(tx.Install("/src/a", "/esp/tok/v/linux-a"), check.IsNil)
	c.Check(tx.Touched(), check.DeepEquals, []string{"/esp/tok/v/linux-a"})
	tx.Commit()
	tx.Rollback()

	c.Check(s.readFile(c, "/esp/tok/v/linux-a"), check.Equals, "a")
	info, err := s.fs.Stat("/esp/tok/v/linux-a")
	c.Assert(err, check.IsNil)
	c.Check(info.Mode().Perm(), check.Equals, os.FileMode(0644))
	c.Check(s.syncs, check.Equals, 1)
}

func (s *transactionSuite) TestCommitNothingDoesNotSync(c *check.C) {
	tx := newTransaction()
	tx.Commit()
	c.Check(s.syncs, check.Equals, 0)
}

func (s *transactionSuite) TestRollbackRestoresAndRemoves(c *check.C) {
	s.writeFile(c, "/src/new", "new")
	s.writeFile(c, "/esp/existing", "old")
	s.writeFile(c, "/esp/doomed", "doomed")

	tx := newTransaction()
	c.Assert(tx.Install("/src/new", "/esp/existing"), check.IsNil)
	c.Assert(tx.Install("/src/new", "/esp/tok/v/created"), check.IsNil)
	c.Assert(tx.Remove("/esp/doomed"), check.IsNil)
	c.Check(s.readFile(c, "/esp/existing"), check.Equals, "new")
	c.Check(s.exists(c, "/esp/doomed"), check.Equals, false)

	tx.Rollback()

	c.Check(s.readFile(c, "/esp/existing"), check.Equals, "old")
	c.Check(s.readFile(c, "/esp/doomed"), check.Equals, "doomed")
	c.Check(s.exists(c, "/esp/tok/v/created"), check.Equals, false)
	// directories created by the transaction are gone too
	c.Check(s.exists(c, "/esp/tok"), check.Equals, false)
	c.Check(s.exists(c, "/esp"), check.Equals, true)
	c.Check(s.syncs, check.Equals, 0)

	// a second rollback is a no-op
	tx.Rollback()
	c.Check(s.readFile(c, "/esp/existing"), check.Equals, "old")
}

func (s *transactionSuite) TestRollbackKeepsBackupOfFirstTouch(c *check.C) {
	s.writeFile(c, "/src/one", "one")
	s.writeFile(c, "/src/two", "two")
	s.writeFile(c, "/esp/f", "orig")

	tx := newTransaction()
	c.Assert(tx.Install("/src/one", "/esp/f"), check.IsNil)
	c.Assert(tx.Install("/src/two", "/esp/f"), check.IsNil)
	c.Check(tx.Touched(), check.HasLen, 1)
	tx.Rollback()

	c.Check(s.readFile(c, "/esp/f"), check.Equals, "orig")
}

func (s *transactionSuite) TestRemoveMissing(c *check.C) {
	tx := newTransaction()
	defer tx.Rollback()
	c.Check(tx.Remove("/esp/nothing"), check.IsNil)
	c.Check(tx.Touched(), check.HasLen, 0)
}

func (s *transactionSuite) TestInstallMissingSource(c *check.C) {
	tx := newTransaction()
	defer tx.Rollback()
	err := tx.Install("/src/nothing", "/esp/x")
	var ie *InstallError
	c.Assert(errors.As(err, &ie), check.Equals, true)
	c.Check(ie.Path, check.Equals, "/esp/x")
	c.Check(s.exists(c, "/esp/x"), check.Equals, false)
}

func (s *transactionSuite) TestInstallReadOnly(c *check.C) {
	s.writeFile(c, "/src/a", "a")
	s.writeFile(c, "/esp/a", "old")
	s.swapFs(afero.NewReadOnlyFs(s.fs.Fs))

	tx := newTransaction()
	defer tx.Rollback()
	err := tx.Install("/src/a", "/esp/a")
	var ie *InstallError
	c.Assert(errors.As(err, &ie), check.Equals, true)
	c.Check(errors.Is(err, os.ErrPermission), check.Equals, true)
	c.Check(s.readFile(c, "/esp/a"), check.Equals, "old")
}
