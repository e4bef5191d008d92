// This file is part of snapboot
// Copyright 2024 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package sdbootmgr

import (
	"fmt"
)

// ConfigurationError is returned when the environment cannot be resolved,
// for example a missing root filesystem UUID, entry token or architecture.
type ConfigurationError struct {
	What string
	Err  error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.What, e.Err)
	}
	return "configuration error: " + e.What
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// NotFoundError is returned when an expected source artifact is absent.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found", e.Path)
}

// InitrdUnavailableError is returned when no legal initrd source exists for
// a kernel in a snapshot.
type InitrdUnavailableError struct {
	Snapshot      int
	KernelVersion string
	Reason        string
}

func (e *InitrdUnavailableError) Error() string {
	return fmt.Sprintf("no initrd for kernel %s in snapshot %d: %s", e.KernelVersion, e.Snapshot, e.Reason)
}

// InstallError is returned when a single file could not be written to (or
// removed from) the ESP.
type InstallError struct {
	Path string
	Err  error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("could not install %s: %v", e.Path, e.Err)
}

func (e *InstallError) Unwrap() error { return e.Err }

// InstallStage names the artifact an install_kernel run failed on.
type InstallStage string

const (
	StageKernel InstallStage = "kernel"
	StageInitrd InstallStage = "initrd"
	StageEntry  InstallStage = "entry"
)

// InstallFailed is returned by InstallKernel after the transaction has been
// rolled back.
type InstallFailed struct {
	Stage InstallStage
	Err   error
}

func (e *InstallFailed) Error() string {
	return fmt.Sprintf("installing %s failed: %v", e.Stage, e.Err)
}

func (e *InstallFailed) Unwrap() error { return e.Err }

// NoKernelsError is returned when a snapshot has nothing to boot.
type NoKernelsError struct {
	Snapshot int
}

func (e *NoKernelsError) Error() string {
	return fmt.Sprintf("snapshot %d has no kernels", e.Snapshot)
}
