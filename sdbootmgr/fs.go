// This file is part of snapboot
// Copyright 2024 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package sdbootmgr

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/spf13/afero"
	"golang.org/x/sys/unix"
)

// appFs is the filesystem every snapshot read and ESP write goes through.
// Tests swap in an afero.MemMapFs.
var appFs = afero.Afero{Fs: afero.NewOsFs()}

// syncFilesystems flushes committed ESP writes. The ESP is FAT and has no
// journal.
var syncFilesystems = unix.Sync

// HashFile returns the hex encoded SHA-1 digest of the file at path.
func HashFile(path string) (string, error) {
	f, err := appFs.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("Could not hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// exists reports whether path exists. Errors other than non-existence are
// returned.
func exists(path string) (bool, error) {
	_, err := appFs.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// needUpdateFile reports whether dst has to be rewritten to match src.
func needUpdateFile(dst string, src string) (bool, error) {
	dstData, err := appFs.ReadFile(dst)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, fmt.Errorf("Could not read destination file: %w", err)
	}

	srcData, err := appFs.ReadFile(src)
	if err != nil {
		return false, fmt.Errorf("Could not read source file: %w", err)
	}

	return !bytes.Equal(dstData, srcData), nil
}
