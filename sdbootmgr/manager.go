// This file is part of snapboot
// Copyright 2024 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package sdbootmgr

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/canonical/snapboot/internal/logging"
)

// Options configures a Manager.
type Options struct {
	// ESP is the mount point of the EFI system partition.
	ESP string
	// Root is the root of the running system, read for machine-id,
	// os-release and the persisted entry token.
	Root string
	// EntryToken is a token mode or a literal token.
	EntryToken string
	// Arch overrides the EFI architecture.
	Arch string
	// CmdlineFile is the base kernel command line, relative to a snapshot.
	CmdlineFile string
	// RequireReadOnlyParent refuses initrd reuse from writable parents.
	RequireReadOnlyParent bool

	Volumes Volumes
	// BootManager defaults to the loader entries on ESP.
	BootManager BootManager
	// InitrdGenerator defaults to Dracut.
	InitrdGenerator InitrdGenerator
}

// Manager installs and removes kernels and boot entries for snapshots.
// It is not safe for concurrent use.
type Manager struct {
	esp                   string
	root                  string
	token                 string
	machineID             string
	arch                  string
	image                 string
	cmdlineFile           string
	requireReadOnlyParent bool

	volumes Volumes
	bootMgr BootManager
	initrds InitrdGenerator

	workDir string
	log     *slog.Logger
}

// NewManager resolves the environment and returns a Manager. The caller
// must Close it.
func NewManager(opts Options) (*Manager, error) {
	if opts.Volumes == nil {
		return nil, &ConfigurationError{What: "no volume information"}
	}
	if opts.ESP == "" {
		return nil, &ConfigurationError{What: "no ESP"}
	}
	if opts.Root == "" {
		opts.Root = "/"
	}

	arch := opts.Arch
	if arch == "" {
		arch = GetEfiArchitecture()
	}
	image, err := kernelImageName(arch)
	if err != nil {
		return nil, err
	}

	machineID, err := ReadMachineID(opts.Root)
	if err != nil {
		return nil, err
	}
	persisted, err := ReadPersistedEntryToken(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("cannot read entry token: %w", err)
	}
	osr, err := ReadOSRelease(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("cannot read os-release: %w", err)
	}
	token, err := ResolveEntryToken(TokenInputs{
		Mode:      opts.EntryToken,
		Persisted: persisted,
		MachineID: machineID,
		OSRelease: osr,
	})
	if err != nil {
		return nil, err
	}

	m := &Manager{
		esp:                   opts.ESP,
		root:                  opts.Root,
		token:                 token,
		machineID:             machineID,
		arch:                  arch,
		image:                 image,
		cmdlineFile:           opts.CmdlineFile,
		requireReadOnlyParent: opts.RequireReadOnlyParent,
		volumes:               opts.Volumes,
		bootMgr:               opts.BootManager,
		initrds:               opts.InitrdGenerator,
		log:                   logging.L("manager"),
	}
	if m.cmdlineFile == "" {
		m.cmdlineFile = "/etc/kernel/cmdline"
	}
	if m.bootMgr == nil {
		m.bootMgr = NewLoaderEntries(opts.ESP)
	}
	if m.initrds == nil {
		m.initrds = Dracut{}
	}
	m.log.Debug("resolved entry token", "token", token, "arch", arch)
	return m, nil
}

// EntryToken returns the resolved entry token.
func (m *Manager) EntryToken() string { return m.token }

// Arch returns the EFI architecture.
func (m *Manager) Arch() string { return m.arch }

// BootManager returns the boot manager the Manager delegates to.
func (m *Manager) BootManager() BootManager { return m.bootMgr }

// espFile maps an ESP relative path to a path in the running system.
func (m *Manager) espFile(p string) string {
	return filepath.Join(m.esp, p)
}

func (m *Manager) entryFile(id string) string {
	return filepath.Join(m.esp, entriesDir, id+entrySuffix)
}

// tempDir returns the working area of this process, creating it on first
// use.
func (m *Manager) tempDir() (string, error) {
	if m.workDir != "" {
		return m.workDir, nil
	}
	dir, err := afero.TempDir(appFs, "", "snapboot-")
	if err != nil {
		return "", fmt.Errorf("cannot create working directory: %w", err)
	}
	m.workDir = dir
	return dir, nil
}

// Close removes the working area.
func (m *Manager) Close() error {
	if m.workDir == "" {
		return nil
	}
	dir := m.workDir
	m.workDir = ""
	if err := appFs.RemoveAll(dir); err != nil {
		return fmt.Errorf("cannot remove working directory: %w", err)
	}
	return nil
}
