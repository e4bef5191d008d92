// This file is part of snapboot
// Copyright 2024 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package sdbootmgr

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	version "github.com/knqyf263/go-deb-version"
)

// modulesDir is where kernels live inside a snapshot, one directory per
// kernel version.
const modulesDir = "usr/lib/modules"

// appArchitecture overrides the EFI architecture when set.
var appArchitecture = ""

// GetEfiArchitecture returns the EFI architecture name of the running
// system, e.g. x64 or aa64, or the empty string if it is unknown.
func GetEfiArchitecture() string {
	if appArchitecture != "" {
		return appArchitecture
	}
	switch runtime.GOARCH {
	case "amd64":
		return "x64"
	case "386":
		return "ia32"
	case "arm64":
		return "aa64"
	case "arm":
		return "arm"
	case "riscv64":
		return "riscv64"
	}
	return ""
}

// kernelImageName returns the file name of the kernel binary in a module
// directory.
func kernelImageName(arch string) (string, error) {
	switch arch {
	case "x64", "ia32":
		return "vmlinuz", nil
	case "aa64", "arm", "riscv64":
		return "Image", nil
	case "":
		return "", &ConfigurationError{What: "unknown EFI architecture " + runtime.GOARCH}
	}
	return "", &ConfigurationError{What: "unsupported EFI architecture " + arch}
}

// Kernels maps kernel versions found in a snapshot to the hash of their
// binary.
type Kernels map[string]string

// Versions returns the kernel versions, newest first.
func (k Kernels) Versions() []string {
	vs := make([]string, 0, len(k))
	for v := range k {
		vs = append(vs, v)
	}
	sortVersions(vs)
	return vs
}

// sortVersions sorts kernel versions newest first. Versions that do not
// parse sort after those that do, in reverse lexical order.
func sortVersions(vs []string) {
	sort.SliceStable(vs, func(i, j int) bool {
		return compareVersions(vs[i], vs[j]) > 0
	})
}

func compareVersions(a, b string) int {
	va, errA := version.NewVersion(a)
	vb, errB := version.NewVersion(b)
	switch {
	case errA == nil && errB == nil:
		return va.Compare(vb)
	case errA == nil:
		return 1
	case errB == nil:
		return -1
	case a > b:
		return 1
	case a < b:
		return -1
	}
	return 0
}

// kernelPath returns the kernel binary of version inside the snapshot
// mounted at root.
func kernelPath(root, kernelVersion, image string) string {
	return filepath.Join(root, modulesDir, kernelVersion, image)
}

// DiscoverKernels scans the module tree of the snapshot mounted at root and
// hashes every kernel binary found. A snapshot without kernels yields an
// empty result; only a missing root is an error.
func DiscoverKernels(root, arch string) (Kernels, error) {
	image, err := kernelImageName(arch)
	if err != nil {
		return nil, err
	}

	if _, err := appFs.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{Path: root}
		}
		return nil, err
	}

	kernels := make(Kernels)

	entries, err := appFs.ReadDir(filepath.Join(root, modulesDir))
	if os.IsNotExist(err) {
		return kernels, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Could not read module directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := kernelPath(root, entry.Name(), image)
		if ok, err := exists(path); err != nil {
			return nil, err
		} else if !ok {
			continue
		}
		hash, err := HashFile(path)
		if err != nil {
			return nil, err
		}
		kernels[entry.Name()] = hash
	}

	return kernels, nil
}
