// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package utils provides filesystem helpers for key and state files.
package utils

import (
	"errors"
	"fmt"
	"os"
)

const dataDirMode = os.ModeDir | 0700

// Exists returns true iff f exists. Errors other than the file not
// existing, such as missing permissions, are fatal.
func Exists(f string) bool {
	_, err := os.Stat(f)
	switch {
	case err == nil:
		return true
	case errors.Is(err, os.ErrNotExist):
		return false
	default:
		panic(err)
	}
}

// MkDataDir ensures that d exists, creating it if needed, and that only
// the owner can access it.
func MkDataDir(d string) error {
	fi, err := os.Lstat(d)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to stat() DataDir: %v", err)
		}
		if err = os.Mkdir(d, dataDirMode); err != nil {
			return fmt.Errorf("failed to create DataDir: %v", err)
		}
		return nil
	}
	if !fi.IsDir() {
		return fmt.Errorf("DataDir '%v' is not a directory", d)
	}
	if fi.Mode() != dataDirMode {
		return fmt.Errorf("DataDir '%v' has invalid permissions '%v'", d, fi.Mode())
	}
	return nil
}
