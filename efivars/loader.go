// This file is part of snapboot
// Copyright 2024 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

// Package efivars encodes and decodes the string payloads of the variables
// shared between the OS and systemd-boot.
package efivars

import (
	"bytes"
	"errors"
	"strings"

	"golang.org/x/text/encoding/unicode"
)

// Names of the systemd-boot variables we use.
const (
	LoaderEntryDefault = "LoaderEntryDefault"
	LoaderEntryOneShot = "LoaderEntryOneShot"
	LoaderEntries      = "LoaderEntries"
)

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// NewLoaderString encodes s as a NUL terminated UTF-16LE string.
func NewLoaderString(s string) ([]byte, error) {
	if strings.ContainsRune(s, 0) {
		return nil, errors.New("loader string must not contain NUL")
	}
	return utf16le.NewEncoder().Bytes([]byte(s + "\x00"))
}

// ParseLoaderStrings decodes a list of NUL separated UTF-16LE strings, as
// found in LoaderEntries. Empty elements are dropped.
func ParseLoaderStrings(data []byte) ([]string, error) {
	if len(data)%2 != 0 {
		return nil, errors.New("odd length UTF-16 payload")
	}
	decoded, err := utf16le.NewDecoder().Bytes(data)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, s := range bytes.Split(decoded, []byte{0}) {
		if len(s) > 0 {
			out = append(out, string(s))
		}
	}
	return out, nil
}

// ParseLoaderString decodes a single UTF-16LE string, ignoring the NUL
// terminator and anything after it.
func ParseLoaderString(data []byte) (string, error) {
	strs, err := ParseLoaderStrings(data)
	if err != nil || len(strs) == 0 {
		return "", err
	}
	return strs[0], nil
}
