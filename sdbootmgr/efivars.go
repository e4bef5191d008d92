// This file is part of snapboot
// Copyright 2024 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package sdbootmgr

import (
	"context"
	"errors"

	"github.com/canonical/go-efilib"

	"github.com/canonical/snapboot/efivars"
)

// LoaderGUID is the vendor GUID of the systemd-boot loader variables.
var LoaderGUID = efi.MakeGUID(0x4a67b082, 0x0a4c, 0x41cf, 0xb6c7, [...]uint8{0x44, 0x0b, 0x29, 0xbb, 0x8c, 0x4f})

const loaderVarAttrs = efi.AttributeNonVolatile | efi.AttributeBootserviceAccess | efi.AttributeRuntimeAccess

// EFIVariables abstracts away the host-specific bits of variable access
type EFIVariables interface {
	GetVariable(guid efi.GUID, name string) (data []byte, attrs efi.VariableAttributes, err error)
	SetVariable(guid efi.GUID, name string, data []byte, attrs efi.VariableAttributes) error
}

// RealEFIVariables provides the real implementation of efivars
type RealEFIVariables struct{}

// GetVariable proxy
func (RealEFIVariables) GetVariable(guid efi.GUID, name string) (data []byte, attrs efi.VariableAttributes, err error) {
	return efi.ReadVariable(efi.WithDefaultVarsBackend(context.Background()), name, guid)
}

// SetVariable proxy
func (RealEFIVariables) SetVariable(guid efi.GUID, name string, data []byte, attrs efi.VariableAttributes) error {
	return efi.WriteVariable(efi.WithDefaultVarsBackend(context.Background()), name, guid, attrs, data)
}

// Chosen implementation
var appEFIVars EFIVariables = RealEFIVariables{}

// getLoaderString reads a string loader variable. A missing variable yields
// an empty string and no error.
func getLoaderString(name string) (string, error) {
	data, _, err := appEFIVars.GetVariable(LoaderGUID, name)
	if errors.Is(err, efi.ErrVarNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return efivars.ParseLoaderString(data)
}

// getLoaderStrings reads a list valued loader variable.
func getLoaderStrings(name string) ([]string, error) {
	data, _, err := appEFIVars.GetVariable(LoaderGUID, name)
	if errors.Is(err, efi.ErrVarNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return efivars.ParseLoaderStrings(data)
}

func setLoaderString(name, value string) error {
	data, err := efivars.NewLoaderString(value)
	if err != nil {
		return err
	}
	return appEFIVars.SetVariable(LoaderGUID, name, data, loaderVarAttrs)
}
