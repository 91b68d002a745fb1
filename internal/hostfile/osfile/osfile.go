// Copyright 2024 Google Inc. All Rights Reserved.
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

// Package osfile is the only hostfile implementation this repository
// ships: an os.File-backed Descriptor, a uuid-based TempNamer, an
// atomic-counter SequenceGenerator, and a simple in-memory quota
// accountant, all suitable for a single host process.
package osfile

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/precision-software/iostack/internal/hostfile"
	"golang.org/x/sys/unix"
)

// descriptor adapts *os.File to hostfile.Descriptor, caching the file size
// so Size() doesn't need a stat call on every query.
type descriptor struct {
	f    *os.File
	size int64
}

// Opener opens real OS files. It is the hostfile.Opener this repository's
// prototype registry wires in by default.
type Opener struct{}

func (Opener) Open(path string, flags int, mode os.FileMode) (hostfile.Descriptor, error) {
	f, err := os.OpenFile(path, flags, mode)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &descriptor{f: f, size: info.Size()}, nil
}

func (Opener) Remove(path string) error {
	return os.Remove(path)
}

func (d *descriptor) ReadAt(buf []byte, offset int64) (int, error) {
	n, err := d.f.ReadAt(buf, offset)
	if err != nil && n == 0 {
		return 0, err
	}
	return n, nil
}

func (d *descriptor) WriteAt(buf []byte, offset int64) (int, error) {
	n, err := d.f.WriteAt(buf, offset)
	if end := offset + int64(n); end > d.size {
		d.size = end
	}
	return n, err
}

func (d *descriptor) Sync() error { return d.f.Sync() }

func (d *descriptor) Truncate(size int64) error {
	if err := d.f.Truncate(size); err != nil {
		return err
	}
	d.size = size
	return nil
}

func (d *descriptor) Fallocate(offset, length int64) error {
	err := unix.Fallocate(int(d.f.Fd()), 0, offset, length)
	if end := offset + length; err == nil && end > d.size {
		d.size = end
	}
	return err
}

func (d *descriptor) Size() (int64, error) { return d.size, nil }

func (d *descriptor) Close() error { return d.f.Close() }

// UUIDTempNamer names temporary files "<prefix>-<uuid>".
type UUIDTempNamer struct{}

func (UUIDTempNamer) NewTempName(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}

// AtomicSequence is a process-lifetime, crash-reset sequence generator:
// it starts at 1 every time the process (and thus the program) starts, so
// a restart after a crash implicitly begins a fresh sequence, matching the
// host contract the AEAD layer relies on for temporary files.
type AtomicSequence struct {
	counter uint64
}

func (s *AtomicSequence) Next() uint64 {
	return atomic.AddUint64(&s.counter, 1)
}

// Quota is a simple in-memory byte budget shared by every TEMP_LIMIT
// descriptor in the process.
type Quota struct {
	limit int64
	used  int64
}

func NewQuota(limit int64) *Quota {
	return &Quota{limit: limit}
}

func (q *Quota) Reserve(n int64) error {
	used := atomic.AddInt64(&q.used, n)
	if q.limit > 0 && used > q.limit {
		atomic.AddInt64(&q.used, -n)
		return fmt.Errorf("osfile: temp-file quota exceeded (%d/%d bytes)", used, q.limit)
	}
	return nil
}

func (q *Quota) Release(n int64) {
	atomic.AddInt64(&q.used, -n)
}
