//go:build unix

package storage

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

type unixMmapRegion struct {
	mapped []byte // full page-aligned mapping returned by mmap
	pad    int64  // bytes between the mapping's start and the caller's offset
	length int64
}

// mmapFile maps [offset, offset+length) of f, rounding offset down to the
// nearest page boundary as mmap requires and hiding the resulting padding
// behind Bytes().
func mmapFile(f *os.File, offset, length int64) (mmapRegion, error) {
	pageSize := int64(os.Getpagesize())
	aligned := (offset / pageSize) * pageSize
	pad := offset - aligned

	mapped, err := unix.Mmap(int(f.Fd()), aligned, int(pad+length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("storage: mmap %s at %d: %w", f.Name(), offset, err)
	}

	return &unixMmapRegion{mapped: mapped, pad: pad, length: length}, nil
}

func (r *unixMmapRegion) Bytes() []byte {
	return r.mapped[r.pad : r.pad+r.length]
}

func (r *unixMmapRegion) Sync() error {
	return unix.Msync(r.mapped, unix.MS_SYNC)
}

func (r *unixMmapRegion) Close() error {
	return unix.Munmap(r.mapped)
}
