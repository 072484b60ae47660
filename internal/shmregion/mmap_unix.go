/*
 *
 * Copyright 2025 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package shmregion

import (
	"fmt"
	"os"
	"path/filepath"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Mapped is an open shared region: the mmap'd Region plus the backing
// file and the bytes it is carved from. The server created it; clients
// only ever open it.
type Mapped struct {
	File   *os.File
	Mem    []byte
	Region *Region
	Path   string
}

// CreateRegion creates (or reclaims) the shared region file for the
// server. Unlike a fresh-only create, an existing file left behind by a
// crashed server is reused rather than rejected: the server always
// zeroes the mapping and stamps a new generation immediately after, so
// a stale file poses no correctness risk and rejecting it would leave
// the instance permanently unrecoverable without manual cleanup. The
// caller is responsible for unlinking it (via os.Remove(m.Path)) at
// clean shutdown.
func CreateRegion(name string) (*Mapped, error) {
	path := regionPath(name)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("shmregion: create %s: %w", name, err)
	}
	cleanup := func() {
		file.Close()
		os.Remove(path)
	}

	if err := file.Truncate(int64(Size)); err != nil {
		cleanup()
		return nil, fmt.Errorf("shmregion: truncate %s: %w", name, err)
	}

	mem, err := mmapFile(file, int(Size))
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("shmregion: mmap %s: %w", name, err)
	}

	// Zero any stale content from a prior instance before the caller
	// stamps a fresh generation number into it.
	for i := range mem {
		mem[i] = 0
	}

	return &Mapped{File: file, Mem: mem, Region: (*Region)(unsafe.Pointer(&mem[0])), Path: path}, nil
}

// OpenRegion maps an existing shared region file, as a client would.
func OpenRegion(name string) (*Mapped, error) {
	path := regionPath(name)

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("shmregion: open %s: %w", name, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("shmregion: stat %s: %w", name, err)
	}
	if uint64(info.Size()) < uint64(Size) {
		file.Close()
		return nil, fmt.Errorf("shmregion: %s is %d bytes, want at least %d", name, info.Size(), Size)
	}

	mem, err := mmapFile(file, int(Size))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("shmregion: mmap %s: %w", name, err)
	}

	return &Mapped{File: file, Mem: mem, Region: (*Region)(unsafe.Pointer(&mem[0])), Path: path}, nil
}

// Stat returns the identity (device, inode) of the region's backing
// file, used by clients to detect that the server recreated it across
// a restart even if the generation counter happened to collide.
func (m *Mapped) Stat() (dev, ino uint64, err error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(m.File.Fd()), &st); err != nil {
		return 0, 0, fmt.Errorf("shmregion: fstat: %w", err)
	}
	return uint64(st.Dev), uint64(st.Ino), nil
}

// Close unmaps the region without removing its backing file.
func (m *Mapped) Close() error {
	if err := munmapImpl(m.Mem); err != nil {
		return err
	}
	return m.File.Close()
}

// StatPath stats the current backing file for name without mapping it,
// for use by clients comparing against a previously opened Mapped's
// identity to detect that the server recreated the region.
func StatPath(name string) (dev, ino uint64, err error) {
	var st unix.Stat_t
	if err := unix.Stat(regionPath(name), &st); err != nil {
		return 0, 0, fmt.Errorf("shmregion: stat %s: %w", name, err)
	}
	return uint64(st.Dev), uint64(st.Ino), nil
}

func regionPath(name string) string {
	if isDevShmAvailable() {
		return filepath.Join("/dev/shm", "shmipc_"+name)
	}
	return filepath.Join(os.TempDir(), "shmipc_"+name)
}

func isDevShmAvailable() bool {
	info, err := os.Stat("/dev/shm")
	if err != nil {
		return false
	}
	return info.IsDir()
}

func mmapFile(file *os.File, size int) ([]byte, error) {
	data, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	return data, nil
}

func munmapImpl(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("munmap failed: %w", err)
	}
	return nil
}
