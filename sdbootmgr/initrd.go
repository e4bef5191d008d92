// This file is part of snapboot
// Copyright 2024 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package sdbootmgr

import (
	"fmt"
	"os/exec"
	"path/filepath"

	"github.com/canonical/snapboot/internal/logging"
)

// initrdName is the file name of a prebuilt initrd next to the kernel.
const initrdName = "initrd"

// InitrdGenerator produces an initrd for a kernel version of the running
// system.
type InitrdGenerator interface {
	Generate(dest, kernelVersion string) error
}

var execCommand = exec.Command

// Dracut generates initrds with dracut.
type Dracut struct{}

// Generate runs dracut for kernelVersion, writing the image to dest.
func (Dracut) Generate(dest, kernelVersion string) error {
	cmd := execCommand("dracut", "--quiet", "--force", "--kver", kernelVersion, dest)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("dracut failed: %w: %s", err, out)
	}
	return nil
}

type initrdSource int

const (
	// initrdInSnapshot is a prebuilt initrd shipped in the snapshot.
	initrdInSnapshot initrdSource = iota
	// initrdInstalled is an initrd already referenced by an entry on the ESP.
	initrdInstalled
	// initrdGenerated was built for this run in the working area.
	initrdGenerated
)

func (s initrdSource) String() string {
	switch s {
	case initrdInSnapshot:
		return "snapshot"
	case initrdInstalled:
		return "installed"
	case initrdGenerated:
		return "generated"
	}
	return "unknown"
}

// resolvedInitrd is the outcome of initrd resolution. For installed initrds
// espPath is the ESP relative path to reference, otherwise file is a local
// file still to be installed.
type resolvedInitrd struct {
	source  initrdSource
	file    string
	espPath string
}

func findEntry(entries []BootEntry, id string) (BootEntry, bool) {
	for _, e := range entries {
		if e.ID == id {
			return e, true
		}
	}
	return BootEntry{}, false
}

// resolveInitrd decides where the initrd for kernelVersion in snap comes
// from. The first applicable source wins:
//
//  1. an initrd next to the kernel in the snapshot
//  2. the initrd of the snapshot's own entry, if that entry already boots
//     the kernel at linux and the initrd is still on the ESP
//  3. the initrd of the parent snapshot's entry for the same kernel
//  4. a freshly generated one, for the running snapshot only
func (m *Manager) resolveInitrd(snap Snapshot, kernelVersion, linux string, entries []BootEntry) (resolvedInitrd, error) {
	log := m.log.With(logging.KeySnapshot, snap.ID, logging.KeyKernelVersion, kernelVersion)

	own := filepath.Join(snap.Path, modulesDir, kernelVersion, initrdName)
	if ok, err := exists(own); err != nil {
		return resolvedInitrd{}, err
	} else if ok {
		log.Debug("using initrd from snapshot", logging.KeyPath, own)
		return resolvedInitrd{source: initrdInSnapshot, file: own}, nil
	}

	if e, ok := findEntry(entries, EntryID(m.token, kernelVersion, snap.Name())); ok && e.Initrd != "" && e.Linux == linux {
		if ok, err := exists(m.espFile(e.Initrd)); err != nil {
			return resolvedInitrd{}, err
		} else if ok {
			log.Debug("keeping installed initrd", logging.KeyPath, e.Initrd)
			return resolvedInitrd{source: initrdInstalled, espPath: e.Initrd}, nil
		}
	}

	parent, ok, err := m.parentSnapshot(snap)
	if err != nil {
		return resolvedInitrd{}, err
	}
	if ok {
		if e, found := findEntry(entries, EntryID(m.token, kernelVersion, parent.Name())); found {
			if e.Initrd == "" {
				return resolvedInitrd{}, &InitrdUnavailableError{
					Snapshot:      snap.ID,
					KernelVersion: kernelVersion,
					Reason:        fmt.Sprintf("entry %s of parent snapshot has no initrd", e.ID),
				}
			}
			log.Info("reusing initrd of parent snapshot", "parent", parent.ID, logging.KeyPath, e.Initrd)
			return resolvedInitrd{source: initrdInstalled, espPath: e.Initrd}, nil
		}
	}

	root, err := m.volumes.RootSnapshot()
	if err != nil {
		return resolvedInitrd{}, &ConfigurationError{What: "cannot determine root snapshot", Err: err}
	}
	if root.ID != snap.ID {
		return resolvedInitrd{}, &InitrdUnavailableError{
			Snapshot:      snap.ID,
			KernelVersion: kernelVersion,
			Reason:        "not the running snapshot and no parent entry to reuse",
		}
	}

	dir, err := m.tempDir()
	if err != nil {
		return resolvedInitrd{}, err
	}
	dest := filepath.Join(dir, "initrd-"+kernelVersion)
	log.Info("generating initrd", logging.KeyPath, dest)
	if err := m.initrds.Generate(dest, kernelVersion); err != nil {
		return resolvedInitrd{}, &InitrdUnavailableError{
			Snapshot:      snap.ID,
			KernelVersion: kernelVersion,
			Reason:        err.Error(),
		}
	}
	return resolvedInitrd{source: initrdGenerated, file: dest}, nil
}

// parentSnapshot returns the snapshot snap was taken from, if it is one
// whose initrds may be reused.
func (m *Manager) parentSnapshot(snap Snapshot) (Snapshot, bool, error) {
	uuid, err := m.volumes.ParentUUID(snap)
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("cannot look up parent of snapshot %d: %w", snap.ID, err)
	}
	if uuid == "" {
		return Snapshot{}, false, nil
	}
	parent, ok, err := m.volumes.SnapshotByUUID(uuid)
	if err != nil || !ok {
		return Snapshot{}, false, err
	}
	if m.requireReadOnlyParent {
		ro, err := m.volumes.IsReadOnly(parent)
		if err != nil {
			return Snapshot{}, false, err
		}
		if !ro {
			m.log.Info("parent snapshot is writable, not reusing its initrds", logging.KeySnapshot, snap.ID, "parent", parent.ID)
			return Snapshot{}, false, nil
		}
	}
	return parent, true, nil
}
