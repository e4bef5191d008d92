// This file is part of snapboot
// Copyright 2024 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package sdbootmgr

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/canonical/snapboot/internal/logging"
)

// procCmdline is the fallback base command line.
var procCmdline = "/proc/cmdline"

// EntryID returns the id of the entry booting kernelVersion from the named
// snapshot.
func EntryID(entryToken, kernelVersion, snapshot string) string {
	return entryToken + "-" + kernelVersion + "-" + snapshot
}

// entryDescriptor is the content of a type #1 boot loader entry.
type entryDescriptor struct {
	Title     string
	Version   string
	MachineID string
	SortKey   string
	Options   string
	Linux     string
	Initrd    string
}

var entryTemplate = template.Must(template.New("entry").Parse(`title      {{.Title}}
version    {{.Version}}
{{- if .MachineID}}
machine-id {{.MachineID}}
{{- end}}
{{- if .SortKey}}
sort-key   {{.SortKey}}
{{- end}}
options    {{.Options}}
linux      {{.Linux}}
initrd     {{.Initrd}}
`))

func (d *entryDescriptor) render() ([]byte, error) {
	var buf bytes.Buffer
	if err := entryTemplate.Execute(&buf, d); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// parseEntry reads the keys of an entry descriptor we know about. Unknown
// keys and comments are ignored.
func parseEntry(data []byte) BootEntry {
	var e BootEntry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value := line, ""
		if i := strings.IndexAny(line, " \t"); i >= 0 {
			key, value = line[:i], strings.TrimSpace(line[i:])
		}
		switch key {
		case "title":
			e.Title = value
		case "version":
			e.Version = value
		case "machine-id":
			e.MachineID = value
		case "sort-key":
			e.SortKey = value
		case "options":
			if e.Options != "" {
				e.Options += " "
			}
			e.Options += value
		case "linux":
			e.Linux = value
		case "initrd":
			if e.Initrd == "" {
				e.Initrd = value
			}
		}
	}
	return e
}

// RewriteOptions rewrites a kernel command line to boot subvol of the
// filesystem with the given UUID. BOOT_IMAGE= and initrd= are dropped,
// root= is replaced in place or appended, and exactly one rootflags= with
// the subvolume first survives. Other rootflags options are kept.
func RewriteOptions(cmdline, rootUUID, subvol string) string {
	root := "root=UUID=" + rootUUID
	var extraFlags []string
	var out []string
	seenRoot, flagsAt := false, -1

	for _, tok := range strings.Fields(cmdline) {
		switch {
		case strings.HasPrefix(tok, "BOOT_IMAGE="), strings.HasPrefix(tok, "initrd="):
		case strings.HasPrefix(tok, "root="):
			if !seenRoot {
				out = append(out, root)
				seenRoot = true
			}
		case strings.HasPrefix(tok, "rootflags="):
			for _, f := range strings.Split(strings.TrimPrefix(tok, "rootflags="), ",") {
				if f != "" && !strings.HasPrefix(f, "subvol=") && !strings.HasPrefix(f, "subvolid=") {
					extraFlags = append(extraFlags, f)
				}
			}
			if flagsAt < 0 {
				flagsAt = len(out)
				out = append(out, "")
			}
		default:
			out = append(out, tok)
		}
	}

	if !seenRoot {
		out = append(out, root)
	}
	flags := "rootflags=" + strings.Join(append([]string{"subvol=" + subvol}, extraFlags...), ",")
	if flagsAt < 0 {
		out = append(out, flags)
	} else {
		out[flagsAt] = flags
	}
	return strings.Join(out, " ")
}

// baseCmdline returns the command line entries for snap are derived from.
func (m *Manager) baseCmdline(snap Snapshot) (string, error) {
	for _, p := range []string{filepath.Join(snap.Path, m.cmdlineFile), procCmdline} {
		data, err := appFs.ReadFile(p)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(data)), nil
	}
	return "", &ConfigurationError{What: "no kernel command line"}
}

// describeEntry renders the entry for kernelVersion of snap.
func (m *Manager) describeEntry(snap Snapshot, kernelVersion, linux, initrd string) ([]byte, error) {
	rootUUID, err := m.volumes.RootUUID()
	if err != nil {
		return nil, &ConfigurationError{What: "cannot determine root filesystem UUID", Err: err}
	}
	if rootUUID == "" {
		return nil, &ConfigurationError{What: "root filesystem has no UUID"}
	}
	base, err := m.baseCmdline(snap)
	if err != nil {
		return nil, err
	}
	osr, err := ReadOSRelease(snap.Path)
	if err != nil {
		return nil, fmt.Errorf("cannot read os-release of snapshot %d: %w", snap.ID, err)
	}

	d := entryDescriptor{
		Title:   osr.PrettyName(),
		Version: snap.Name() + "@" + kernelVersion,
		SortKey: osr.SortKey(),
		Options: RewriteOptions(base, rootUUID, snap.Subvol),
		Linux:   linux,
		Initrd:  initrd,
	}
	if d.Title == "" {
		d.Title = "Linux " + kernelVersion
	}
	if m.machineID != "" && m.token == m.machineID {
		d.MachineID = m.machineID
	}
	return d.render()
}

// installOnce installs src at the content addressed ESP path p unless
// something is there already.
func (m *Manager) installOnce(tx *Transaction, src, p string) error {
	dst := m.espFile(p)
	ok, err := exists(dst)
	if err != nil {
		return err
	}
	if ok {
		m.log.Debug("already installed", logging.KeyPath, p)
		return nil
	}
	return tx.Install(src, dst)
}

// InstallKernel installs kernelVersion of snap together with its initrd and
// boot entry and returns the entry id. Either all three end up on the ESP
// or, on failure, none of the changes do.
func (m *Manager) InstallKernel(snap Snapshot, kernelVersion string) (string, error) {
	log := m.log.With(logging.KeySnapshot, snap.ID, logging.KeyKernelVersion, kernelVersion)

	src := kernelPath(snap.Path, kernelVersion, m.image)
	if ok, err := exists(src); err != nil {
		return "", err
	} else if !ok {
		return "", &NotFoundError{Path: src}
	}
	hash, err := HashFile(src)
	if err != nil {
		return "", err
	}
	linux := KernelInstallPath(m.token, kernelVersion, hash)

	entries, err := m.bootMgr.List()
	if err != nil {
		return "", err
	}
	initrd, err := m.resolveInitrd(snap, kernelVersion, linux, entries)
	if err != nil {
		return "", err
	}
	initrdPath := initrd.espPath
	if initrd.source != initrdInstalled {
		h, err := HashFile(initrd.file)
		if err != nil {
			return "", err
		}
		initrdPath = InitrdInstallPath(m.token, kernelVersion, h)
	}

	data, err := m.describeEntry(snap, kernelVersion, linux, initrdPath)
	if err != nil {
		return "", err
	}
	id := EntryID(m.token, kernelVersion, snap.Name())
	dir, err := m.tempDir()
	if err != nil {
		return "", err
	}
	staged := filepath.Join(dir, id+entrySuffix)
	if err := appFs.WriteFile(staged, data, installMode); err != nil {
		return "", fmt.Errorf("cannot stage entry: %w", err)
	}

	tx := newTransaction()
	defer tx.Rollback()

	if err := m.installOnce(tx, src, linux); err != nil {
		return "", &InstallFailed{Stage: StageKernel, Err: err}
	}
	if initrd.source != initrdInstalled {
		if err := m.installOnce(tx, initrd.file, initrdPath); err != nil {
			return "", &InstallFailed{Stage: StageInitrd, Err: err}
		}
	}
	entryFile := m.entryFile(id)
	update, err := needUpdateFile(entryFile, staged)
	if err != nil {
		return "", &InstallFailed{Stage: StageEntry, Err: err}
	}
	if update {
		if err := tx.Install(staged, entryFile); err != nil {
			return "", &InstallFailed{Stage: StageEntry, Err: err}
		}
	}
	if old, ok := findEntry(entries, id); ok {
		used := usedBinaries(entries, map[string]bool{id: true})
		used[linux] = true
		used[initrdPath] = true
		if err := m.removeBinaries(tx, old, used); err != nil {
			return "", &InstallFailed{Stage: StageEntry, Err: err}
		}
	}

	tx.Commit()
	log.Info("installed kernel", logging.KeyEntryID, id, "initrd", initrd.source.String())
	return id, nil
}

// InstallAllKernels installs every kernel of snap. A failure for one
// kernel does not stop the others; all failures are returned together.
func (m *Manager) InstallAllKernels(snap Snapshot) ([]string, error) {
	kernels, err := DiscoverKernels(snap.Path, m.arch)
	if err != nil {
		return nil, err
	}

	var ids []string
	var errs []error
	for _, v := range kernels.Versions() {
		id, err := m.InstallKernel(snap, v)
		if err != nil {
			m.log.Error("cannot install kernel", logging.KeySnapshot, snap.ID, logging.KeyKernelVersion, v, logging.KeyError, err)
			errs = append(errs, fmt.Errorf("kernel %s: %w", v, err))
			continue
		}
		ids = append(ids, id)
	}
	return ids, errors.Join(errs...)
}

// RemoveKernel removes the entry for kernelVersion of snap, and the kernel
// and initrd binaries no other entry uses.
func (m *Manager) RemoveKernel(snap Snapshot, kernelVersion string) error {
	entries, err := m.bootMgr.List()
	if err != nil {
		return err
	}
	id := EntryID(m.token, kernelVersion, snap.Name())
	e, ok := findEntry(entries, id)
	if !ok {
		return &NotFoundError{Path: m.entryFile(id)}
	}
	return m.removeEntries(entries, []BootEntry{e})
}

// RemoveAllKernels removes every entry of snap along with unused binaries.
func (m *Manager) RemoveAllKernels(snap Snapshot) error {
	entries, err := m.bootMgr.List()
	if err != nil {
		return err
	}
	remove, err := m.matchingEntries(entries, snap)
	if err != nil {
		return err
	}
	if len(remove) == 0 {
		m.log.Info("no entries to remove", logging.KeySnapshot, snap.ID)
		return nil
	}
	return m.removeEntries(entries, remove)
}

// usedBinaries returns the kernel and initrd paths referenced by the entries
// of all not in skip.
func usedBinaries(all []BootEntry, skip map[string]bool) map[string]bool {
	used := make(map[string]bool)
	for _, e := range all {
		if skip[e.ID] {
			continue
		}
		used[e.Linux] = true
		used[e.Initrd] = true
	}
	return used
}

// removeBinaries removes the kernel and initrd of e that are not in used,
// and marks them used.
func (m *Manager) removeBinaries(tx *Transaction, e BootEntry, used map[string]bool) error {
	for _, p := range []string{e.Linux, e.Initrd} {
		if p == "" || used[p] {
			continue
		}
		if err := tx.Remove(m.espFile(p)); err != nil {
			return err
		}
		m.log.Debug("removed unused binary", logging.KeyEntryID, e.ID, logging.KeyPath, p)
		used[p] = true
	}
	return nil
}

func (m *Manager) removeEntries(all, remove []BootEntry) error {
	gone := make(map[string]bool)
	for _, e := range remove {
		gone[e.ID] = true
	}
	used := usedBinaries(all, gone)

	tx := newTransaction()
	defer tx.Rollback()

	for _, e := range remove {
		if err := tx.Remove(m.entryFile(e.ID)); err != nil {
			return err
		}
		if err := m.removeBinaries(tx, e, used); err != nil {
			return err
		}
		m.log.Info("removed entry", logging.KeyEntryID, e.ID)
	}

	tx.Commit()
	return nil
}
