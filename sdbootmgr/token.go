// This file is part of snapboot
// Copyright 2024 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package sdbootmgr

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/google/shlex"
	"github.com/google/uuid"
)

// Entry token modes, as accepted by bootctl --entry-token.
const (
	TokenAuto      = "auto"
	TokenMachineID = "machine-id"
	TokenOSID      = "os-id"
	TokenOSImage   = "os-image"
)

// entryTokenFile is where the install step persists the chosen token.
const entryTokenFile = "etc/kernel/entry-token"

// TokenInputs carries everything the entry token may be derived from.
type TokenInputs struct {
	// Mode is one of the Token* modes, a literal token, or empty.
	Mode string
	// Persisted is the token recorded by a previous install, if any.
	Persisted string
	MachineID string
	OSRelease OSRelease
}

// ResolveEntryToken picks the namespace all entries and kernel paths of
// this installation live under. The first matching rule wins:
//
//  1. a literal Mode is used verbatim
//  2. auto: the persisted token, else the machine id
//  3. machine-id: the machine id
//  4. os-id / os-image: ID / IMAGE_ID from os-release, which must be set
//  5. no mode: the persisted token, else the machine id
//
// The token names a directory on the ESP and is part of entry file names,
// so it must not contain '/' or whitespace nor start with '.'.
func ResolveEntryToken(in TokenInputs) (string, error) {
	token, err := resolveEntryToken(in)
	if err != nil {
		return "", err
	}
	if err := validateEntryToken(token); err != nil {
		return "", err
	}
	return token, nil
}

func resolveEntryToken(in TokenInputs) (string, error) {
	switch in.Mode {
	case TokenAuto, "":
		if in.Persisted != "" {
			return in.Persisted, nil
		}
		return machineIDToken(in.MachineID)
	case TokenMachineID:
		return machineIDToken(in.MachineID)
	case TokenOSID:
		return osReleaseToken(in.OSRelease, "ID")
	case TokenOSImage:
		return osReleaseToken(in.OSRelease, "IMAGE_ID")
	default:
		return in.Mode, nil
	}
}

func validateEntryToken(token string) error {
	if strings.HasPrefix(token, ".") || strings.ContainsRune(token, '/') ||
		strings.IndexFunc(token, unicode.IsSpace) >= 0 {
		return &ConfigurationError{What: fmt.Sprintf("invalid entry token %q", token)}
	}
	return nil
}

func machineIDToken(id string) (string, error) {
	if id == "" {
		return "", &ConfigurationError{What: "machine id is not set"}
	}
	return id, nil
}

func osReleaseToken(osr OSRelease, key string) (string, error) {
	v := osr[key]
	if v == "" {
		return "", &ConfigurationError{What: key + " is not set in os-release"}
	}
	return v, nil
}

// OSRelease holds the key/value pairs of an os-release file.
type OSRelease map[string]string

// PrettyName returns PRETTY_NAME, or the empty string.
func (o OSRelease) PrettyName() string { return o["PRETTY_NAME"] }

// SortKey returns IMAGE_ID, falling back to ID.
func (o OSRelease) SortKey() string {
	if v := o["IMAGE_ID"]; v != "" {
		return v
	}
	return o["ID"]
}

// ReadOSRelease parses the os-release file below root. A root without one
// yields an empty OSRelease.
func ReadOSRelease(root string) (OSRelease, error) {
	for _, p := range []string{"etc/os-release", "usr/lib/os-release"} {
		data, err := appFs.ReadFile(filepath.Join(root, p))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return parseOSRelease(data)
	}
	return OSRelease{}, nil
}

func parseOSRelease(data []byte) (OSRelease, error) {
	out := make(OSRelease)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		words, err := shlex.Split(value)
		if err != nil {
			return nil, fmt.Errorf("Could not parse os-release value of %s: %w", key, err)
		}
		out[key] = strings.Join(words, " ")
	}
	return out, scanner.Err()
}

// ReadMachineID returns the normalised machine id from root/etc/machine-id,
// or the empty string if there is none.
func ReadMachineID(root string) (string, error) {
	data, err := appFs.ReadFile(filepath.Join(root, "etc/machine-id"))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	s := strings.TrimSpace(string(data))
	if s == "" || s == "uninitialized" {
		return "", nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return "", &ConfigurationError{What: "invalid machine id", Err: err}
	}
	return hex.EncodeToString(id[:]), nil
}

// ReadPersistedEntryToken returns the token written by a previous install.
func ReadPersistedEntryToken(root string) (string, error) {
	data, err := appFs.ReadFile(filepath.Join(root, entryTokenFile))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// WriteEntryToken persists token below root for later runs.
func WriteEntryToken(root, token string) error {
	path := filepath.Join(root, entryTokenFile)
	if err := appFs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return appFs.WriteFile(path, []byte(token+"\n"), 0644)
}
