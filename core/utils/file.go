// SPDX-FileCopyrightText: Copyright (C) 2024  David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package utils provides small filesystem helpers shared across notipair.
package utils

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// TempSuffix is the suffix of the scratch files written by AtomicWriteFile.
const TempSuffix = ".tmp"

func BothExists(a, b string) bool {
	if Exists(a) && Exists(b) {
		return true
	}
	return false
}

func BothNotExists(a, b string) bool {
	if !Exists(a) && !Exists(b) {
		return true
	}
	return false
}

func Exists(f string) bool {
	if _, err := os.Stat(f); err == nil {
		return true
	} else if errors.Is(err, os.ErrNotExist) {
		return false
	} else {
		panic(err)
	}
}

// EnsureDir makes sure d exists as a directory, creating it with mode
// 0700 if needed.
func EnsureDir(d string) error {
	const dirMode = os.ModeDir | 0700

	fi, err := os.Lstat(d)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to stat() '%v': %v", d, err)
		}
		if err = os.MkdirAll(d, dirMode); err != nil {
			return fmt.Errorf("failed to create '%v': %v", d, err)
		}
		return nil
	}
	if !fi.IsDir() {
		return fmt.Errorf("'%v' is not a directory", d)
	}
	return nil
}

// AtomicWriteFile writes data to path through a temp file in the same
// directory followed by a rename, so that readers observe either the old
// or the new content but never a truncated file.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*"+TempSuffix)
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Chmod(perm); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
