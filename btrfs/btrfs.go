// This file is part of snapboot
// Copyright 2024 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

// Package btrfs answers questions about the root filesystem and its snapper
// style snapshots, mostly by asking the btrfs tool.
package btrfs

import (
	"bufio"
	"bytes"
	"fmt"
	"os/exec"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	fstab "github.com/deniswernert/go-fstab"
	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/canonical/snapboot/sdbootmgr"
)

var appFs = afero.Afero{Fs: afero.NewOsFs()}

// runBtrfs runs the btrfs tool and returns its standard output.
var runBtrfs = func(args ...string) ([]byte, error) {
	cmd := exec.Command("btrfs", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("btrfs %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

var snapshotPathRe = regexp.MustCompile(`(^|/)\.snapshots/(\d+)/snapshot$`)

// Volumes implements sdbootmgr.Volumes for a root filesystem with snapshots
// below SnapshotsDir.
type Volumes struct {
	// Root is the mount point of the running root filesystem.
	Root string
	// SnapshotsDir is where the .snapshots subvolume is mounted.
	SnapshotsDir string
	// SubvolPrefix is the subvolume the .snapshots subvolume lives in,
	// e.g. @, or empty if it sits at the top level.
	SubvolPrefix string
}

var _ sdbootmgr.Volumes = (*Volumes)(nil)

// New returns Volumes with the usual defaults filled in.
func New(root, snapshotsDir, prefix string) *Volumes {
	if root == "" {
		root = "/"
	}
	if snapshotsDir == "" {
		snapshotsDir = filepath.Join(root, ".snapshots")
	}
	return &Volumes{Root: root, SnapshotsDir: snapshotsDir, SubvolPrefix: prefix}
}

// RootUUID returns the filesystem UUID / is mounted by in etc/fstab.
func (v *Volumes) RootUUID() (string, error) {
	data, err := appFs.ReadFile(filepath.Join(v.Root, "etc/fstab"))
	if err != nil {
		return "", err
	}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		mount, err := fstab.ParseLine(line)
		if err != nil || mount == nil || mount.File != "/" {
			continue
		}
		value, ok := strings.CutPrefix(mount.Spec, "UUID=")
		if !ok {
			return "", fmt.Errorf("root filesystem is not mounted by UUID: %s", mount.Spec)
		}
		id, err := uuid.Parse(strings.Trim(value, `"`))
		if err != nil {
			return "", fmt.Errorf("invalid root filesystem UUID: %w", err)
		}
		return id.String(), nil
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("no root filesystem in %s", filepath.Join(v.Root, "etc/fstab"))
}

// fromSubvol maps a subvolume path to a snapshot. It reports false for
// subvolumes that are not snapshots.
func (v *Volumes) fromSubvol(subvol string) (sdbootmgr.Snapshot, bool) {
	m := snapshotPathRe.FindStringSubmatch(subvol)
	if m == nil {
		return sdbootmgr.Snapshot{}, false
	}
	id, err := strconv.Atoi(m[2])
	if err != nil {
		return sdbootmgr.Snapshot{}, false
	}
	return v.snapshot(id), true
}

func (v *Volumes) snapshot(id int) sdbootmgr.Snapshot {
	name := strconv.Itoa(id)
	return sdbootmgr.Snapshot{
		ID:     id,
		Subvol: path.Join(v.SubvolPrefix, ".snapshots", name, "snapshot"),
		Path:   filepath.Join(v.SnapshotsDir, name, "snapshot"),
	}
}

// Snapshot returns the snapshot with the given id, which must exist.
func (v *Volumes) Snapshot(id int) (sdbootmgr.Snapshot, error) {
	s := v.snapshot(id)
	if _, err := appFs.Stat(s.Path); err != nil {
		return sdbootmgr.Snapshot{}, &sdbootmgr.NotFoundError{Path: s.Path}
	}
	return s, nil
}

// RootSnapshot returns the snapshot mounted at Root. This is not
// necessarily the default subvolume, which only takes effect on the next
// boot.
func (v *Volumes) RootSnapshot() (sdbootmgr.Snapshot, error) {
	out, err := runBtrfs("subvolume", "show", v.Root)
	if err != nil {
		return sdbootmgr.Snapshot{}, err
	}
	// The first line is the subvolume path, e.g. @/.snapshots/2/snapshot
	subvol, _, _ := strings.Cut(string(out), "\n")
	subvol = strings.TrimSpace(subvol)
	if subvol == "" {
		return sdbootmgr.Snapshot{}, fmt.Errorf("cannot parse subvolume of %s: %q", v.Root, out)
	}
	s, ok := v.fromSubvol(subvol)
	if !ok {
		return sdbootmgr.Snapshot{}, fmt.Errorf("mounted subvolume %s is not a snapshot", subvol)
	}
	return s, nil
}

// ParentUUID returns the parent UUID of the snapshot, or the empty string.
func (v *Volumes) ParentUUID(s sdbootmgr.Snapshot) (string, error) {
	out, err := runBtrfs("subvolume", "show", s.Path)
	if err != nil {
		return "", err
	}
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok || strings.TrimSpace(key) != "Parent UUID" {
			continue
		}
		value = strings.TrimSpace(value)
		if value == "-" {
			return "", nil
		}
		return value, nil
	}
	return "", scanner.Err()
}

// SnapshotByUUID finds the snapshot with the given subvolume UUID.
func (v *Volumes) SnapshotByUUID(id string) (sdbootmgr.Snapshot, bool, error) {
	out, err := runBtrfs("subvolume", "list", "-u", v.Root)
	if err != nil {
		return sdbootmgr.Snapshot{}, false, err
	}
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		// ID 256 gen 9 top level 5 uuid 7d1b... path @/.snapshots/1/snapshot
		fields := strings.Fields(scanner.Text())
		for i := 0; i+1 < len(fields); i++ {
			if fields[i] != "uuid" || fields[i+1] != id {
				continue
			}
			_, subvol, ok := strings.Cut(scanner.Text(), " path ")
			if !ok {
				return sdbootmgr.Snapshot{}, false, nil
			}
			s, ok := v.fromSubvol(strings.TrimSpace(subvol))
			return s, ok, nil
		}
	}
	return sdbootmgr.Snapshot{}, false, scanner.Err()
}

// IsReadOnly reports whether the snapshot subvolume is read-only.
func (v *Volumes) IsReadOnly(s sdbootmgr.Snapshot) (bool, error) {
	out, err := runBtrfs("property", "get", "-ts", s.Path, "ro")
	if err != nil {
		return false, err
	}
	switch strings.TrimSpace(string(out)) {
	case "ro=true":
		return true, nil
	case "ro=false":
		return false, nil
	}
	return false, fmt.Errorf("unexpected ro property %q", strings.TrimSpace(string(out)))
}
