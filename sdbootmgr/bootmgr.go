// This file is part of snapboot
// Copyright 2024 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

// Package sdbootmgr manages kernels and boot loader entries of a system
// whose root filesystem lives on btrfs snapshots.
package sdbootmgr

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/canonical/snapboot/efivars"
	"github.com/canonical/snapboot/internal/logging"
)

// entriesDir holds one descriptor file per boot entry, relative to the ESP.
const entriesDir = "loader/entries"

const entrySuffix = ".conf"

// BootEntry is a boot loader entry as seen by the boot manager.
type BootEntry struct {
	ID         string // file name without .conf
	Path       string // absolute path of the descriptor
	Type       string
	Title      string
	Version    string // <snapshot>@<kernel version>
	MachineID  string
	SortKey    string
	Options    string
	Linux      string // ESP relative
	Initrd     string // ESP relative
	IsDefault  bool
	IsReported bool
}

// KernelVersion returns the kernel version part of the version stamp.
func (e BootEntry) KernelVersion() string {
	_, kv, ok := strings.Cut(e.Version, "@")
	if !ok {
		return e.Version
	}
	return kv
}

// SnapshotName returns the snapshot part of the version stamp.
func (e BootEntry) SnapshotName() string {
	snap, _, ok := strings.Cut(e.Version, "@")
	if !ok {
		return ""
	}
	return snap
}

// BootManager lists boot entries and changes which one boots. Its mutating
// calls may fail; callers report the failure.
type BootManager interface {
	List() ([]BootEntry, error)
	SetDefault(id string) error
	SetOneshot(id string) error
	Unlink(id string) error
}

// LoaderEntries manages systemd-boot type #1 entries on the ESP and the
// loader variables selecting among them.
type LoaderEntries struct {
	esp string
	log *slog.Logger
}

// NewLoaderEntries returns a BootManager for the ESP mounted at esp.
func NewLoaderEntries(esp string) *LoaderEntries {
	return &LoaderEntries{esp: esp, log: logging.L("bootmgr")}
}

func (l *LoaderEntries) entryFile(id string) string {
	return filepath.Join(l.esp, entriesDir, id+entrySuffix)
}

// List returns all entries on the ESP, sorted by id.
func (l *LoaderEntries) List() ([]BootEntry, error) {
	files, err := appFs.ReadDir(filepath.Join(l.esp, entriesDir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cannot list boot entries: %v", err)
	}

	// Variables are optional, e.g. when not booted via systemd-boot.
	def, err := getLoaderString(efivars.LoaderEntryDefault)
	if err != nil {
		l.log.Debug("cannot read default entry", logging.KeyError, err)
	}
	reported, err := getLoaderStrings(efivars.LoaderEntries)
	if err != nil {
		l.log.Debug("cannot read reported entries", logging.KeyError, err)
	}

	var entries []BootEntry
	for _, fi := range files {
		name := fi.Name()
		if fi.IsDir() || !strings.HasSuffix(name, entrySuffix) {
			continue
		}
		path := filepath.Join(l.esp, entriesDir, name)
		data, err := appFs.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("cannot read %s: %v", name, err)
		}

		entry := parseEntry(data)
		entry.ID = strings.TrimSuffix(name, entrySuffix)
		entry.Path = path
		entry.Type = "type1"
		entry.IsDefault = def == name || def == entry.ID
		for _, r := range reported {
			if r == name || r == entry.ID {
				entry.IsReported = true
			}
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

func (l *LoaderEntries) checkEntry(id string) error {
	ok, err := exists(l.entryFile(id))
	if err != nil {
		return err
	}
	if !ok {
		return &NotFoundError{Path: l.entryFile(id)}
	}
	return nil
}

// SetDefault makes the entry the default boot target.
func (l *LoaderEntries) SetDefault(id string) error {
	if err := l.checkEntry(id); err != nil {
		return err
	}
	if err := setLoaderString(efivars.LoaderEntryDefault, id+entrySuffix); err != nil {
		return fmt.Errorf("cannot set default entry: %w", err)
	}
	return nil
}

// SetOneshot makes the entry the boot target of the next boot only.
func (l *LoaderEntries) SetOneshot(id string) error {
	if err := l.checkEntry(id); err != nil {
		return err
	}
	if err := setLoaderString(efivars.LoaderEntryOneShot, id+entrySuffix); err != nil {
		return fmt.Errorf("cannot set oneshot entry: %w", err)
	}
	return nil
}

// Unlink removes the entry descriptor. Kernel and initrd binaries are left
// alone.
func (l *LoaderEntries) Unlink(id string) error {
	if err := l.checkEntry(id); err != nil {
		return err
	}
	tx := newTransaction()
	defer tx.Rollback()
	if err := tx.Remove(l.entryFile(id)); err != nil {
		return err
	}
	tx.Commit()
	return nil
}
