// Package store keeps the dapp state record: a fixed 32-byte big-endian
// balance at the start of a block device or regular file.
package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"honeypot/internal/be256"
)

const RecordSize = be256.Size

var (
	ErrRecordTooSmall = errors.New("state storage too small")
	ErrClosed         = errors.New("state storage closed")
)

// Open maps the record at path for reading and writing. A missing path is
// created as a zero record; an existing one smaller than RecordSize is an
// error rather than an implicit reset.
func Open(path string) (*Store, error) {
	if err := ensureRecord(path); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open state %s: %w", path, err)
	}
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("seek state %s: %w", path, err)
	}
	if size < RecordSize {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s has %d bytes, need %d", ErrRecordTooSmall, path, size, RecordSize)
	}
	s := &Store{path: path}
	if err := s.attach(f); err != nil {
		return nil, fmt.Errorf("attach state %s: %w", path, err)
	}
	return s, nil
}

func (s *Store) Path() string {
	return s.path
}

// ReadRecord reads the record without mapping it, for inspection from
// outside the running dapp.
func ReadRecord(path string) (be256.Amount, error) {
	f, err := os.Open(path)
	if err != nil {
		return be256.Amount{}, err
	}
	defer f.Close()
	var buf [RecordSize]byte
	if _, err := io.ReadFull(f, buf[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return be256.Amount{}, fmt.Errorf("%w: %s", ErrRecordTooSmall, path)
		}
		return be256.Amount{}, err
	}
	return be256.Amount(buf), nil
}

func ensureRecord(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil
		}
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("create state %s: %w", path, err)
		}
		return err
	}
	var zero [RecordSize]byte
	if _, err := f.Write(zero[:]); err != nil {
		_ = f.Close()
		return err
	}
	if err := syncFile(f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	syncDir(path)
	return nil
}

func syncFile(f *os.File) error {
	if f == nil {
		return nil
	}
	return f.Sync()
}

func syncDir(path string) {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return
	}
	defer dir.Close()
	_ = dir.Sync()
}
