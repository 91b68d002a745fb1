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

// Package hostfile declares the contracts the stack expects from its host
// process: raw descriptor I/O, temporary-file naming, per-process quota
// accounting, the per-file sequence-number generator an AEAD layer draws
// fresh IVs from, and encryption key material. Everything in this package
// is an interface; internal/hostfile/osfile supplies the only
// implementation this repository ships.
package hostfile

import "os"

// Descriptor is a raw, already-open host file. It is the collaborator the
// raw layer (iostack/raw) wraps; every call is safe to use with a single
// caller at a time (no internal locking).
type Descriptor interface {
	ReadAt(buf []byte, offset int64) (int, error)
	WriteAt(buf []byte, offset int64) (int, error)
	Sync() error
	Truncate(size int64) error
	// Fallocate reserves [offset, offset+length) without necessarily
	// zeroing it; callers that need zeroed bytes combine it with a
	// zero-fill write for the leading/trailing partial pages.
	Fallocate(offset, length int64) error
	Size() (int64, error)
	Close() error
}

// Opener opens or creates a Descriptor at path, honoring the subset of
// POSIX open(2) flags the raw layer needs (read/write/create/append).
type Opener interface {
	Open(path string, flags int, mode os.FileMode) (Descriptor, error)
	Remove(path string) error
}

// TempNamer produces unique names for the sidecar index files the LZ4
// layer creates alongside its primary file.
type TempNamer interface {
	NewTempName(prefix string) string
}

// QuotaAccountant tracks growth charged against the process-wide
// temporary-file limit (the O_TEMP_LIMIT facade flag).
type QuotaAccountant interface {
	Reserve(n int64) error
	Release(n int64)
}

// SequenceGenerator hands out the monotonically increasing sequence
// numbers the AEAD layer mixes into each block's IV and AAD. The host
// resets this across crashes for temporary files (and regenerates the
// key), so a restarted process never reuses a (key, IV) pair.
type SequenceGenerator interface {
	Next() uint64
}

// KeyProvider supplies the AEAD layer's encryption key material. Session
// keys live for the process's lifetime; permanent keys are stable across
// restarts (backing ENCRYPT_PERM files) and are the host's responsibility
// to persist and rotate.
type KeyProvider interface {
	SessionKey() ([]byte, error)
	PermanentKey() ([]byte, error)
}
