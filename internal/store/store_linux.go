//go:build linux

package store

import (
	"os"

	"golang.org/x/sys/unix"

	"honeypot/internal/be256"
)

// Store is a memory-mapped state record. The descriptor is closed right
// after mapping; the mapping stays valid until Close.
type Store struct {
	path string
	mem  []byte
}

func (s *Store) attach(f *os.File) error {
	mem, err := unix.Mmap(int(f.Fd()), 0, RecordSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		_ = unix.Munmap(mem)
		return err
	}
	s.mem = mem
	return nil
}

func (s *Store) Load() (be256.Amount, error) {
	if s.mem == nil {
		return be256.Amount{}, ErrClosed
	}
	var a be256.Amount
	copy(a[:], s.mem)
	return a, nil
}

// Save writes the balance into the mapping and flushes it synchronously.
func (s *Store) Save(balance be256.Amount) error {
	if s.mem == nil {
		return ErrClosed
	}
	copy(s.mem, balance[:])
	return unix.Msync(s.mem, unix.MS_SYNC)
}

func (s *Store) Close() error {
	if s.mem == nil {
		return nil
	}
	err := unix.Munmap(s.mem)
	s.mem = nil
	return err
}
