// This file is part of snapboot
// Copyright 2024 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package sdbootmgr

import (
	"regexp"
	"sort"
)

// KernelState is the installation state of a kernel binary of a snapshot.
type KernelState string

const (
	// KernelMissing kernels exist in the snapshot but no entry boots them.
	KernelMissing KernelState = "missing"
	// KernelInstalled kernels exist in the snapshot and an entry boots them.
	KernelInstalled KernelState = "installed"
	// KernelStale kernels are booted by an entry but gone from the snapshot.
	KernelStale KernelState = "stale"
)

// subvolMatcher recognises the options of entries that boot one subvolume
// of the filesystem with a given UUID. Entries carry no structured
// snapshot reference, so this is all that ties an entry to a snapshot.
type subvolMatcher struct {
	root  *regexp.Regexp
	flags *regexp.Regexp
}

func newSubvolMatcher(rootUUID, subvol string) *subvolMatcher {
	return &subvolMatcher{
		root:  regexp.MustCompile(`(^|\s)root=UUID=` + regexp.QuoteMeta(rootUUID) + `(\s|$)`),
		flags: regexp.MustCompile(`(^|\s)rootflags=(\S*,)?subvol=` + regexp.QuoteMeta(subvol) + `(,|\s|$)`),
	}
}

func (sm *subvolMatcher) match(options string) bool {
	return sm.root.MatchString(options) && sm.flags.MatchString(options)
}

// matchingEntries returns the entries among all that boot snap, newest
// kernel first.
func (m *Manager) matchingEntries(all []BootEntry, snap Snapshot) ([]BootEntry, error) {
	rootUUID, err := m.volumes.RootUUID()
	if err != nil {
		return nil, &ConfigurationError{What: "cannot determine root filesystem UUID", Err: err}
	}

	sm := newSubvolMatcher(rootUUID, snap.Subvol)
	var out []BootEntry
	for _, e := range all {
		if sm.match(e.Options) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if c := compareVersions(out[i].KernelVersion(), out[j].KernelVersion()); c != 0 {
			return c > 0
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// SnapshotEntries returns the boot entries of snap, newest kernel first.
func (m *Manager) SnapshotEntries(snap Snapshot) ([]BootEntry, error) {
	all, err := m.bootMgr.List()
	if err != nil {
		return nil, err
	}
	return m.matchingEntries(all, snap)
}

// KernelStatus maps the ESP path of every kernel of snap, and of every
// kernel its entries boot, to its state.
func (m *Manager) KernelStatus(snap Snapshot) (map[string]KernelState, error) {
	kernels, err := DiscoverKernels(snap.Path, m.arch)
	if err != nil {
		return nil, err
	}
	entries, err := m.SnapshotEntries(snap)
	if err != nil {
		return nil, err
	}
	return reconcile(m.token, kernels, entries), nil
}

func reconcile(token string, kernels Kernels, entries []BootEntry) map[string]KernelState {
	status := make(map[string]KernelState)
	for v, hash := range kernels {
		status[KernelInstallPath(token, v, hash)] = KernelMissing
	}
	for _, e := range entries {
		if e.Linux == "" {
			continue
		}
		switch status[e.Linux] {
		case KernelMissing:
			status[e.Linux] = KernelInstalled
		case "":
			status[e.Linux] = KernelStale
		}
	}
	return status
}
