// Package source provides adapter.Source implementations for local files
// and S3 objects.
package source

import (
	"fmt"
	"io"
	"os"
)

// File is an open local file whose size was fixed when it was opened.
type File struct {
	*os.File
	size int64
}

// OpenFile opens name for upload.
func OpenFile(name string) (*File, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("unable to open source: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("unable to stat source: %w", err)
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("unable to open source: %s is a directory", name)
	}
	return &File{File: f, size: info.Size()}, nil
}

// Size returns the file size at open time.
func (f *File) Size() int64 { return f.size }

// TempFile is a spooled copy of a request body, removed on Close.
type TempFile struct {
	*File
}

// Spool copies r into a temporary file under dir and reopens it as a Source.
func Spool(dir string, r io.Reader) (*TempFile, error) {
	tmp, err := os.CreateTemp(dir, "graphdrive-upload-*")
	if err != nil {
		return nil, fmt.Errorf("unable to create spool file: %w", err)
	}
	name := tmp.Name()
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(name)
		return nil, fmt.Errorf("unable to spool upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return nil, fmt.Errorf("unable to spool upload: %w", err)
	}
	f, err := OpenFile(name)
	if err != nil {
		os.Remove(name)
		return nil, err
	}
	return &TempFile{File: f}, nil
}

// Close closes and removes the spool file.
func (t *TempFile) Close() error {
	err := t.File.Close()
	if rmErr := os.Remove(t.Name()); rmErr != nil && err == nil {
		err = rmErr
	}
	return err
}
