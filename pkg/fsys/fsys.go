// Copyright 2024-2025 CardinalHQ, Inc
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fsys is the narrow filesystem surface the disk-backed cache
// and its journal depend on.
package fsys

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

type File interface {
	io.Writer
	Sync() error
	Close() error
}

type FileSystem interface {
	Exists(path string) (bool, error)
	// Delete removes a single file. A missing file is not an error.
	Delete(path string) error
	DeleteRecursively(path string) error
	// Rename moves src to dst atomically. Without overwrite an existing
	// dst makes the call fail with an error matching fs.ErrExist.
	Rename(src, dst string, overwrite bool) error
	MkdirAll(path string) error
	// List returns the names of the entries in dir, sorted.
	List(dir string) ([]string, error)
	Size(path string) (int64, error)
	OpenRead(path string) (io.ReadCloser, error)
	OpenAppend(path string) (File, error)
	// Create truncates any existing file.
	Create(path string) (File, error)
}

// OS is the host filesystem.
type OS struct{}

var _ FileSystem = OS{}

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

func (OS) Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (OS) Delete(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (OS) DeleteRecursively(path string) error {
	return os.RemoveAll(path)
}

func (OS) Rename(src, dst string, overwrite bool) error {
	if overwrite {
		return os.Rename(src, dst)
	}
	// A hard link fails when dst exists, which os.Rename would not.
	if err := os.Link(src, dst); err != nil {
		return fmt.Errorf("rename %s: %w", src, err)
	}
	return os.Remove(src)
}

func (OS) MkdirAll(path string) error {
	return os.MkdirAll(path, dirPerm)
}

func (OS) List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (OS) Size(path string) (int64, error) {
	st, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

func (OS) OpenRead(path string) (io.ReadCloser, error) {
	return os.Open(path)
}

func (OS) OpenAppend(path string) (File, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, filePerm)
}

func (OS) Create(path string) (File, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePerm)
}
