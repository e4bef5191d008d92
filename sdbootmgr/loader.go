// This file is part of snapboot
// Copyright 2024 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package sdbootmgr

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/canonical/snapboot/internal/logging"
)

// FallbackEntry is a line of the BOOT<ARCH>.CSV read by shim's fallback
// loader.
type FallbackEntry struct {
	Filename    string
	Label       string
	Options     string
	Description string
}

// LoaderSources says where the boot loader binaries are installed from.
type LoaderSources struct {
	// LoaderDir holds systemd-boot<arch>.efi.
	LoaderDir string
	// ShimDir holds shim<arch>.efi and its helpers, if shim is used.
	ShimDir string
	// Vendor is the directory below EFI/ shim and the loader live in.
	Vendor string
}

// WriteShimFallbackToFile writes the entries in UTF-16LE to path.
func WriteShimFallbackToFile(path string, entries []FallbackEntry) error {
	file, err := appFs.Create(path)
	if err != nil {
		return fmt.Errorf("could not open %s: %w", path, err)
	}

	writer := transform.NewWriter(file, unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder())
	if err := WriteShimFallback(writer, entries); err != nil {
		file.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// line returns the CSV row for e. Fields are not quoted, so none may hold
// a separator.
func (e FallbackEntry) line() (string, error) {
	fields := []string{e.Filename, e.Label, e.Options, e.Description}
	for _, f := range fields {
		if strings.ContainsAny(f, ",\r\n") {
			return "", fmt.Errorf("fallback entry %q: field %q contains a separator", e.Label, f)
		}
	}
	return strings.Join(fields, ",") + "\n", nil
}

// WriteShimFallback writes the rows of a BOOT<ARCH>.CSV to w, unencoded.
// Nothing is written if any entry is invalid.
func WriteShimFallback(w io.Writer, entries []FallbackEntry) error {
	var b strings.Builder
	for _, e := range entries {
		l, err := e.line()
		if err != nil {
			return err
		}
		b.WriteString(l)
	}
	if _, err := io.WriteString(w, b.String()); err != nil {
		return fmt.Errorf("cannot write fallback entries: %w", err)
	}
	return nil
}

// findFirst returns the first of names existing in dir.
func findFirst(dir string, names ...string) (string, error) {
	for _, name := range names {
		p := filepath.Join(dir, name)
		if ok, err := exists(p); err != nil {
			return "", err
		} else if ok {
			return p, nil
		}
	}
	return "", nil
}

// maybeInstall installs src at dst unless dst already has the same content.
func maybeInstall(tx *Transaction, src, dst string) (bool, error) {
	update, err := needUpdateFile(dst, src)
	if err != nil || !update {
		return false, err
	}
	if err := tx.Install(src, dst); err != nil {
		return false, err
	}
	return true, nil
}

// Install installs systemd-boot, and shim if available, onto the ESP and
// records the entry token for later runs. It reports whether anything on
// the ESP changed.
func (m *Manager) Install(src LoaderSources) (bool, error) {
	arch := m.arch
	log := m.log.With("arch", arch)

	loader, err := findFirst(src.LoaderDir, "systemd-boot"+arch+".efi.signed", "systemd-boot"+arch+".efi")
	if err != nil {
		return false, err
	}
	if loader == "" {
		return false, &NotFoundError{Path: filepath.Join(src.LoaderDir, "systemd-boot"+arch+".efi")}
	}
	var shim string
	if src.ShimDir != "" {
		if shim, err = findFirst(src.ShimDir, "shim"+arch+".efi.signed", "shim"+arch+".efi"); err != nil {
			return false, err
		}
	}

	bootDir := filepath.Join(m.esp, "EFI", "BOOT")
	removable := filepath.Join(bootDir, "BOOT"+strings.ToUpper(arch)+".EFI")
	copies := [][2]string{
		{loader, filepath.Join(m.esp, "EFI", "systemd", "systemd-boot"+arch+".efi")},
	}

	dir, err := m.tempDir()
	if err != nil {
		return false, err
	}

	if shim == "" {
		copies = append(copies, [2]string{loader, removable})
	} else {
		if src.Vendor == "" {
			return false, &ConfigurationError{What: "shim needs a vendor directory"}
		}
		vendorDir := filepath.Join(m.esp, "EFI", src.Vendor)
		shimName := "shim" + arch + ".efi"
		copies = append(copies,
			[2]string{shim, removable},
			[2]string{shim, filepath.Join(vendorDir, shimName)},
			[2]string{loader, filepath.Join(vendorDir, "grub"+arch+".efi")},
		)
		for _, helper := range []string{"mm" + arch + ".efi", "fb" + arch + ".efi"} {
			p, err := findFirst(src.ShimDir, helper+".signed", helper)
			if err != nil {
				return false, err
			}
			if p == "" {
				continue
			}
			copies = append(copies, [2]string{p, filepath.Join(bootDir, helper)})
			if strings.HasPrefix(helper, "mm") {
				copies = append(copies, [2]string{p, filepath.Join(vendorDir, helper)})
			}
		}

		csvName := "BOOT" + strings.ToUpper(arch) + ".CSV"
		csv := filepath.Join(dir, csvName)
		entry := FallbackEntry{Filename: shimName, Label: src.Vendor, Description: "This is the boot entry for " + src.Vendor}
		if err := WriteShimFallbackToFile(csv, []FallbackEntry{entry}); err != nil {
			return false, err
		}
		copies = append(copies, [2]string{csv, filepath.Join(vendorDir, csvName)})
	}

	srel := filepath.Join(dir, "entries.srel")
	if err := appFs.WriteFile(srel, []byte("type1\n"), installMode); err != nil {
		return false, err
	}
	copies = append(copies, [2]string{srel, filepath.Join(m.esp, "loader", "entries.srel")})

	tx := newTransaction()
	defer tx.Rollback()

	updated := false
	for _, c := range copies {
		changed, err := maybeInstall(tx, c[0], c[1])
		if err != nil {
			return false, err
		}
		if changed {
			log.Info("updated boot loader file", logging.KeyPath, c[1])
			updated = true
		}
	}

	if err := WriteEntryToken(m.root, m.token); err != nil {
		return false, fmt.Errorf("cannot persist entry token: %w", err)
	}

	tx.Commit()
	return updated, nil
}
