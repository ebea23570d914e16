package main

import (
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/google/renameio"
)

type Store interface {
	Report(uid string) (*os.File, error)
	StoreReport(uid string, src io.Reader) (int64, error)
	DeleteReport(uid string) error
	ReportExists(uid string) (bool, error)
}

type FileStore struct {
	root string
}

// compile-time check that the FileStore actually implements the Store
// interface.
var _ Store = new(FileStore)

func NewFileStore(root string) (Store, error) {
	s := FileStore{root: root}
	return s, s.init()
}

func (s FileStore) init() error {
	err := os.MkdirAll(s.root, os.ModeDir|0774)
	if err != nil && !errors.Is(err, os.ErrExist) {
		return wrap(err, `creating data directory`)
	}
	return nil
}

func (s FileStore) path(uid string) string {
	return filepath.Join(s.root, filepath.Base(uid)+".json")
}

func (s FileStore) Report(uid string) (*os.File, error) {
	return os.Open(s.path(uid))
}

// StoreReport writes the report atomically, so a concurrent read never sees
// a partial file.
func (s FileStore) StoreReport(uid string, src io.Reader) (int64, error) {
	f, err := renameio.TempFile("", s.path(uid))
	if err != nil {
		return 0, wrap(err, "creating report file")
	}
	defer f.Cleanup()

	written, err := io.Copy(f, src)
	if err != nil {
		return 0, wrap(err, "writing report")
	}

	err = f.CloseAtomicallyReplace()
	if err != nil {
		return 0, wrap(err, "replacing report file")
	}

	return written, nil
}

func (s FileStore) DeleteReport(uid string) error {
	return os.Remove(s.path(uid))
}

func (s FileStore) ReportExists(uid string) (exists bool, err error) {
	exists = true
	_, err = os.Stat(s.path(uid))
	if errors.Is(err, os.ErrNotExist) {
		exists = false
		err = nil
	}
	return exists, err
}
