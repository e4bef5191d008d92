// This file is part of snapboot
// Copyright 2024 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "snapbootctl:", err)
		os.Exit(1)
	}
}
