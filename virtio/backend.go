package virtio

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Backend is the sector store a block device serves from.
type Backend interface {
	ReadSector(sector uint64, buf []byte) error
	WriteSector(sector uint64, buf []byte) error
	Capacity() uint64 // sectors
	Close() error
}

// FileBackend serves sectors from a disk-image file using positioned
// reads and writes. The file is advisory-locked for the lifetime of
// the backend so two simulated machines cannot share one image, and
// its size must be a whole number of sectors.
type FileBackend struct {
	f        *os.File
	capacity uint64
}

// OpenFileBackend opens and locks the disk image at path.
func OpenFileBackend(path string) (*FileBackend, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("virtio: opening disk image: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("virtio: disk image %s is in use: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if st.Size()%sectorSize != 0 {
		f.Close()
		return nil, fmt.Errorf("virtio: disk image size %d is not a multiple of %d", st.Size(), sectorSize)
	}
	return &FileBackend{f: f, capacity: uint64(st.Size()) / sectorSize}, nil
}

// Capacity reports the image size in sectors.
func (b *FileBackend) Capacity() uint64 { return b.capacity }

// ReadSector reads one sector into buf (which must be sectorSize
// bytes).
func (b *FileBackend) ReadSector(sector uint64, buf []byte) error {
	if sector >= b.capacity {
		return fmt.Errorf("virtio: sector %d beyond capacity %d", sector, b.capacity)
	}
	_, err := unix.Pread(int(b.f.Fd()), buf[:sectorSize], int64(sector)*sectorSize)
	return err
}

// WriteSector writes one sector from buf.
func (b *FileBackend) WriteSector(sector uint64, buf []byte) error {
	if sector >= b.capacity {
		return fmt.Errorf("virtio: sector %d beyond capacity %d", sector, b.capacity)
	}
	_, err := unix.Pwrite(int(b.f.Fd()), buf[:sectorSize], int64(sector)*sectorSize)
	return err
}

// Close releases the lock and closes the image.
func (b *FileBackend) Close() error {
	unix.Flock(int(b.f.Fd()), unix.LOCK_UN)
	return b.f.Close()
}
