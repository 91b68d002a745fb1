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

// Package file is the top-level facade: per-descriptor state (current
// offset; the file size is not cached here), stack selection by open flags, sequential
// read/write/seek/tell, append semantics, and resource-owner / delete-on-
// close lifecycle hooks. It is the only package callers outside this
// module are expected to import directly.
package file

import (
	"fmt"
	"os"
	"time"

	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
	"github.com/precision-software/iostack"
	"github.com/precision-software/iostack/internal/hostfile"
)

// ResourceOwner is the host's transaction/sub-transaction lifecycle
// manager. A File registers with it when opened with O_XACT or
// O_TRANSIENT so the host can force a Close at end-of-transaction or
// sub-transaction abort.
type ResourceOwner interface {
	RegisterXact(f *File)
	RegisterTransient(f *File)
	Unregister(f *File)
}

// File is a single open descriptor: the top of a layered stack plus the
// sequential bookkeeping the underlying layers know nothing about.
type File struct {
	mu syncutil.InvariantMutex

	stack  iostack.Layer
	path   string
	flags  iostack.OpenFlag
	offset int64

	owner   ResourceOwner
	remover hostfile.Opener
	clock   timeutil.Clock
	mtime   time.Time

	// quota is non-nil only when flags carries O_TEMP_LIMIT and the
	// registry was built with one; quotaReserved tracks how much of the
	// file's growth has been charged against it so Close can release
	// exactly that much.
	quota         hostfile.QuotaAccountant
	quotaReserved int64

	closed bool
}

// MTime returns the time of the most recent WriteSeq/WriteAt, or the zero
// Time if the file has never been written through this descriptor. It is
// a bookkeeping hook for the resource-owner callback, not a durable
// on-disk attribute — mirrored from gcsproxy.MutableContent's use of a
// timeutil.Clock to stamp local edits.
func (f *File) MTime() time.Time { return f.mtime }

func (f *File) stampMTime() {
	if f.clock != nil {
		f.mtime = f.clock.Now()
	}
}

// Open selects a prototype from reg according to flags' stack-selector
// bits, opens it against path, and seeds the sequential offset (honoring
// O_APPEND). Once a prototype has been picked, the returned *File is
// non-nil even on error, so its Err() method still works for a failed open
// (the dummy-stack error surface of §4.6): every layer's Open leaves its own
// sticky error behind even when cloning/opening fails partway down the
// chain. If flags pick no usable prototype, Open returns a nil *File.
func Open(reg *Registry, path string, flags iostack.OpenFlag, mode os.FileMode, owner ResourceOwner, remover hostfile.Opener, clock timeutil.Clock) (*File, error) {
	proto, err := reg.Pick(flags)
	if err != nil {
		return nil, err
	}

	// The facade strips APPEND before opening; append only affects where
	// the sequential offset starts, never how the stack itself is opened.
	openFlags := flags &^ iostack.O_APPEND

	stack, err := proto.Open(path, openFlags, mode)
	f := &File{stack: stack, path: path, flags: flags, owner: owner, remover: remover, clock: clock}
	if flags.Has(iostack.O_TEMP_LIMIT) {
		f.quota = reg.Quota
	}
	if err != nil {
		return f, err
	}

	size, err := stack.Size()
	if err != nil {
		return f, f.escalate(err)
	}
	// Growth is charged from here forward; bytes already on disk at open
	// time were either never tracked (no quota wired when they were
	// written) or already charged by an earlier Open of the same file in
	// this process, so re-reserving them here would double-count.
	f.quotaReserved = size

	if flags.Has(iostack.O_APPEND) {
		f.offset = size
	}

	if owner != nil {
		if flags.Has(iostack.O_XACT) {
			owner.RegisterXact(f)
		}
		if flags.Has(iostack.O_TRANSIENT) {
			owner.RegisterTransient(f)
		}
	}

	f.mu = syncutil.NewInvariantMutex(f.checkInvariants)
	return f, nil
}

// checkInvariants panics if the sequential offset has gone negative.
// GUARDED_BY(mu).
func (f *File) checkInvariants() {
	if f.offset < 0 {
		panic("file: negative offset")
	}
}

// escalate turns a logic/invariant error (E_IOSTACK) into a fatal panic,
// matching the facade's role of raising an exception callers can't
// recover from locally; OS errors pass through untouched.
func (f *File) escalate(err error) error {
	if err == nil {
		return nil
	}
	if iostack.IsLogic(err) {
		panic(fmt.Errorf("file: fatal stack error on %q: %w", f.path, err))
	}
	return err
}

// ReadSeq reads at the current offset and advances it by the bytes
// transferred.
func (f *File) ReadSeq(buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := iostack.ReadAll(f.stack, buf, f.offset)
	f.offset += int64(n)
	return n, f.escalate(err)
}

// reserveGrowth charges the quota for growth past the high-water mark
// reached so far, when O_TEMP_LIMIT wired a quota into this File. A no-op
// otherwise.
func (f *File) reserveGrowth(end int64) error {
	if f.quota == nil || end <= f.quotaReserved {
		return nil
	}
	delta := end - f.quotaReserved
	if err := f.quota.Reserve(delta); err != nil {
		return err
	}
	f.quotaReserved = end
	return nil
}

// releaseExcess gives back whatever was reserved for bytes that, in the
// end, were never written (a short write, or an error after a successful
// reservation).
func (f *File) releaseExcess(actualEnd int64) {
	if f.quota == nil || actualEnd >= f.quotaReserved {
		return
	}
	f.quota.Release(f.quotaReserved - actualEnd)
	f.quotaReserved = actualEnd
}

// WriteSeq writes at the current offset and advances it. No size is cached
// in File; Size always asks the stack.
func (f *File) WriteSeq(buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.reserveGrowth(f.offset + int64(len(buf))); err != nil {
		return 0, err
	}
	n, err := iostack.WriteAll(f.stack, buf, f.offset)
	f.releaseExcess(f.offset + int64(n))
	f.offset += int64(n)
	f.stampMTime()
	return n, f.escalate(err)
}

// ReadAt / WriteAt expose random access for callers that track their own
// offset instead of using the sequential helpers.
func (f *File) ReadAt(buf []byte, offset int64) (int, error) {
	n, err := iostack.ReadAll(f.stack, buf, offset)
	return n, f.escalate(err)
}

func (f *File) WriteAt(buf []byte, offset int64) (int, error) {
	if err := f.reserveGrowth(offset + int64(len(buf))); err != nil {
		return 0, err
	}
	n, err := iostack.WriteAll(f.stack, buf, offset)
	f.releaseExcess(offset + int64(n))
	f.stampMTime()
	return n, f.escalate(err)
}

// Seek updates only the cached sequential offset; it never touches the
// underlying stack.
func (f *File) Seek(offset int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offset = offset
}

// Tell returns the current sequential offset.
func (f *File) Tell() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offset
}

// Size returns the current logical file size.
func (f *File) Size() (int64, error) {
	size, err := f.stack.Size()
	if err != nil {
		return 0, f.escalate(err)
	}
	return size, nil
}

// Resize truncates or extends the file.
func (f *File) Resize(newSize int64) error {
	reservedBefore := f.quotaReserved
	if err := f.reserveGrowth(newSize); err != nil {
		return err
	}
	err := f.stack.Resize(newSize)
	if err != nil {
		f.releaseExcess(reservedBefore) // the resize never happened; undo the reservation
	} else {
		f.releaseExcess(newSize)
	}
	return f.escalate(err)
}

// Sync forces a durability barrier across the whole stack.
func (f *File) Sync() error {
	return f.escalate(f.stack.Sync())
}

// Err returns the sticky error left behind by the most recent failing
// call. It works even after Close, or after an Open that failed partway
// through the chain, because the stack instance is retained for exactly
// this purpose.
func (f *File) Err() error {
	if f.stack == nil {
		return nil
	}
	return f.stack.Err()
}

// Close flushes and closes the stack, unregisters from the resource
// owner, and unlinks the path if O_DELETE was set at Open.
func (f *File) Close() error {
	if f.closed {
		return f.stack.Err()
	}
	err := f.stack.Close()
	f.closed = true

	if f.quota != nil && f.quotaReserved > 0 {
		f.quota.Release(f.quotaReserved)
		f.quotaReserved = 0
	}

	if f.owner != nil {
		f.owner.Unregister(f)
	}

	if f.flags.Has(iostack.O_DELETE) {
		if rerr := f.remover.Remove(f.path); rerr != nil && err == nil {
			err = rerr
		}
	}

	return f.escalate(err)
}
