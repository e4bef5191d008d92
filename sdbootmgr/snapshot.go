// This file is part of snapboot
// Copyright 2024 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package sdbootmgr

import (
	"errors"
	"strconv"

	"github.com/canonical/snapboot/internal/logging"
)

// Snapshot is a btrfs snapshot of the root filesystem.
type Snapshot struct {
	ID int
	// Subvol is the subvolume path relative to the filesystem top level,
	// as used in rootflags=subvol=.
	Subvol string
	// Path is where the snapshot is mounted in the running system.
	Path string
}

// Name returns the snapshot name used in entry ids and version stamps.
func (s Snapshot) Name() string {
	return strconv.Itoa(s.ID)
}

// Volumes answers questions about the root filesystem and its snapshots.
type Volumes interface {
	// RootUUID returns the filesystem UUID of the root filesystem.
	RootUUID() (string, error)
	// RootSnapshot returns the snapshot the system is running from.
	RootSnapshot() (Snapshot, error)
	// Snapshot returns the snapshot with the given id.
	Snapshot(id int) (Snapshot, error)
	// ParentUUID returns the UUID of the subvolume s was snapshotted from,
	// or the empty string.
	ParentUUID(s Snapshot) (string, error)
	// SnapshotByUUID resolves a subvolume UUID to a snapshot. It reports
	// false if the subvolume is not a snapshot.
	SnapshotByUUID(uuid string) (Snapshot, bool, error)
	IsReadOnly(s Snapshot) (bool, error)
}

// SetDefaultSnapshot makes the first entry of snap the default boot entry,
// installing the snapshot's kernels first if it has no entries yet. It
// returns the id of the chosen entry. If only some kernels could be
// installed, the newest installed one is still selected and the install
// failures are returned along with its id.
func (m *Manager) SetDefaultSnapshot(snap Snapshot) (string, error) {
	return m.selectSnapshot(snap, false)
}

// SetOneshotSnapshot is like SetDefaultSnapshot but only for the next boot.
func (m *Manager) SetOneshotSnapshot(snap Snapshot) (string, error) {
	return m.selectSnapshot(snap, true)
}

func (m *Manager) selectSnapshot(snap Snapshot, oneshot bool) (string, error) {
	log := m.log.With(logging.KeySnapshot, snap.ID)

	entries, err := m.SnapshotEntries(snap)
	if err != nil {
		return "", err
	}
	var installErr error
	if len(entries) == 0 {
		log.Info("no entries, installing kernels")
		_, installErr = m.InstallAllKernels(snap)
		if entries, err = m.SnapshotEntries(snap); err != nil {
			return "", errors.Join(installErr, err)
		}
	}
	if len(entries) == 0 {
		if installErr != nil {
			return "", installErr
		}
		return "", &NoKernelsError{Snapshot: snap.ID}
	}

	id := entries[0].ID
	if oneshot {
		err = m.bootMgr.SetOneshot(id)
	} else {
		err = m.bootMgr.SetDefault(id)
	}
	if err != nil {
		return "", errors.Join(installErr, err)
	}
	log.Info("selected entry", logging.KeyEntryID, id, "oneshot", oneshot)
	return id, installErr
}
