// This file is part of snapboot
// Copyright 2024 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package sdbootmgr

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/canonical/snapboot/internal/logging"
)

// Installed files are world readable and owned by root.
const (
	installMode = 0644
	installUID  = 0
	installGID  = 0
)

var txLog = logging.L("installer")

// KernelInstallPath returns the ESP relative path a kernel binary with the
// given content hash is installed to. Identical binaries share one path.
func KernelInstallPath(entryToken, kernelVersion, hash string) string {
	return "/" + path.Join(entryToken, kernelVersion, "linux-"+hash)
}

// InitrdInstallPath is the initrd counterpart of KernelInstallPath.
func InitrdInstallPath(entryToken, kernelVersion, hash string) string {
	return "/" + path.Join(entryToken, kernelVersion, "initrd-"+hash)
}

type touchedPath struct {
	path    string
	existed bool
	backup  []byte
	mode    os.FileMode
}

// Transaction records every ESP path touched by one operation so that a
// failure can restore all of them. It is the only writer of the ESP.
//
// Use it as
//
//	tx := newTransaction()
//	defer tx.Rollback()
//	... tx.Install(...) ...
//	tx.Commit()
//
// Rollback after Commit does nothing.
type Transaction struct {
	touched []touchedPath
	dirs    []string
	done    bool
}

func newTransaction() *Transaction {
	return &Transaction{}
}

// Touched returns the paths modified so far, in order.
func (tx *Transaction) Touched() []string {
	var out []string
	for _, t := range tx.touched {
		out = append(out, t.path)
	}
	return out
}

// record backs up path the first time the transaction touches it.
func (tx *Transaction) record(p string) error {
	for _, t := range tx.touched {
		if t.path == p {
			return nil
		}
	}

	info, err := appFs.Stat(p)
	switch {
	case os.IsNotExist(err):
		tx.touched = append(tx.touched, touchedPath{path: p})
		return nil
	case err != nil:
		return err
	case info.IsDir():
		return fmt.Errorf("%s is a directory", p)
	}

	backup, err := appFs.ReadFile(p)
	if err != nil {
		return fmt.Errorf("Could not back up %s: %w", p, err)
	}
	tx.touched = append(tx.touched, touchedPath{path: p, existed: true, backup: backup, mode: info.Mode().Perm()})
	return nil
}

// mkdirAll creates dir and its missing parents, remembering which ones it
// created.
func (tx *Transaction) mkdirAll(dir string) error {
	var missing []string
	for d := dir; ; d = filepath.Dir(d) {
		ok, err := exists(d)
		if err != nil {
			return err
		}
		if ok {
			break
		}
		missing = append(missing, d)
		if d == filepath.Dir(d) {
			break
		}
	}
	if len(missing) == 0 {
		return nil
	}
	if err := appFs.MkdirAll(dir, 0755); err != nil {
		return err
	}
	for i := len(missing) - 1; i >= 0; i-- {
		tx.dirs = append(tx.dirs, missing[i])
	}
	return nil
}

// Install copies src to dst, backing up dst first if it exists.
func (tx *Transaction) Install(src, dst string) error {
	if err := tx.install(src, dst); err != nil {
		return &InstallError{Path: dst, Err: err}
	}
	txLog.Debug("installed", logging.KeyPath, dst)
	return nil
}

func (tx *Transaction) install(src, dst string) error {
	srcFile, err := appFs.Open(src)
	if err != nil {
		return fmt.Errorf("Could not open source file: %w", err)
	}
	defer srcFile.Close()

	if err := tx.mkdirAll(filepath.Dir(dst)); err != nil {
		return err
	}
	if err := tx.record(dst); err != nil {
		return err
	}

	dstFile, err := appFs.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, installMode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dstFile, srcFile); err != nil {
		dstFile.Close()
		return err
	}
	if err := dstFile.Close(); err != nil {
		return err
	}
	if err := appFs.Chmod(dst, installMode); err != nil {
		return err
	}
	return appFs.Chown(dst, installUID, installGID)
}

// Remove deletes path, backing it up first. A missing path is not an error.
func (tx *Transaction) Remove(p string) error {
	ok, err := exists(p)
	if err != nil {
		return &InstallError{Path: p, Err: err}
	}
	if !ok {
		return nil
	}
	if err := tx.record(p); err != nil {
		return &InstallError{Path: p, Err: err}
	}
	if err := appFs.Remove(p); err != nil {
		return &InstallError{Path: p, Err: err}
	}
	txLog.Debug("removed", logging.KeyPath, p)
	return nil
}

// Commit ends the transaction keeping all changes.
func (tx *Transaction) Commit() {
	if tx.done {
		return
	}
	tx.done = true
	if len(tx.touched) > 0 {
		syncFilesystems()
	}
	tx.touched = nil
	tx.dirs = nil
}

// Rollback restores every touched path to its state before the transaction
// and removes directories the transaction created. Failures are logged and
// otherwise ignored.
func (tx *Transaction) Rollback() {
	if tx.done {
		return
	}
	tx.done = true

	for i := len(tx.touched) - 1; i >= 0; i-- {
		t := tx.touched[i]
		var err error
		if t.existed {
			err = appFs.WriteFile(t.path, t.backup, t.mode)
		} else if err = appFs.Remove(t.path); os.IsNotExist(err) {
			err = nil
		}
		if err != nil {
			txLog.Error("could not restore", logging.KeyPath, t.path, logging.KeyError, err)
		} else {
			txLog.Info("rolled back", logging.KeyPath, t.path)
		}
	}

	for i := len(tx.dirs) - 1; i >= 0; i-- {
		if empty, err := appFs.IsEmpty(tx.dirs[i]); err != nil || !empty {
			continue
		}
		if err := appFs.Remove(tx.dirs[i]); err != nil {
			txLog.Error("could not remove directory", logging.KeyPath, tx.dirs[i], logging.KeyError, err)
		}
	}

	tx.touched = nil
	tx.dirs = nil
}
