//go:build !linux

package store

import (
	"os"

	"honeypot/internal/be256"
)

// Store keeps the record's descriptor open and writes through it with an
// fsync per save where mmap flags differ from Linux.
type Store struct {
	path string
	f    *os.File
}

func (s *Store) attach(f *os.File) error {
	s.f = f
	return nil
}

func (s *Store) Load() (be256.Amount, error) {
	if s.f == nil {
		return be256.Amount{}, ErrClosed
	}
	var a be256.Amount
	if _, err := s.f.ReadAt(a[:], 0); err != nil {
		return be256.Amount{}, err
	}
	return a, nil
}

func (s *Store) Save(balance be256.Amount) error {
	if s.f == nil {
		return ErrClosed
	}
	if _, err := s.f.WriteAt(balance[:], 0); err != nil {
		return err
	}
	return syncFile(s.f)
}

func (s *Store) Close() error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
