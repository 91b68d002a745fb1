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

// Package iostack defines the layer interface shared by every stage of a
// block-oriented file I/O pipeline (raw, buffered, AEAD, LZ4), the
// prototype/clone Open protocol that builds a pipeline instance out of a
// configured-but-unopened template, and the handful of layer-agnostic
// helpers (read-all/write-all, length-prefixed records, big-endian
// integers, block-aware copies) every concrete layer needs.
package iostack

import (
	"os"
)

// OpenFlag mirrors the POSIX open(2) flags a caller supplies, plus the
// stack-selector and lifecycle bits from the facade's external interface.
type OpenFlag uint32

const (
	O_RDONLY OpenFlag = 1 << iota
	O_WRONLY
	O_RDWR
	O_CREATE
	O_APPEND

	// Lifecycle / resource-owner flags, consumed by the facade.
	O_XACT
	O_DELETE
	O_TEMP_LIMIT
	O_TRANSIENT
	O_TEXT

	// Stack selectors, consumed by the facade's prototype registry.
	O_RAW
	O_PLAIN
	O_ENCRYPT
	O_ENCRYPT_PERM
	O_TESTSTACK
)

// Writable reports whether f requests write access (WRONLY or RDWR).
func (f OpenFlag) Writable() bool {
	return f&(O_WRONLY|O_RDWR) != 0
}

// Readable reports whether f requests read access: any f without the
// WRONLY bit counts as readable, whether or not RDONLY or RDWR is set.
func (f OpenFlag) Readable() bool {
	return f&O_WRONLY == 0
}

// Has reports whether all bits of mask are set in f.
func (f OpenFlag) Has(mask OpenFlag) bool {
	return f&mask == mask
}

// Layer is the dispatch surface every concrete stage of the pipeline
// implements: a single-layer read/write (may be short), a durability
// barrier, logical size, resize (grow or shrink), the exposed block size,
// and the sticky per-instance error/EOF state from a failed call.
//
// Read and Write operate on exactly one layer; callers that need the
// all-or-nothing behavior over a possibly-short operation use ReadAll /
// WriteAll below.
type Layer interface {
	Read(buf []byte, offset int64) (int, error)
	Write(buf []byte, offset int64) (int, error)
	Sync() error
	Size() (int64, error)
	Resize(newSize int64) error
	Close() error

	// BlockSize is the unit of aligned I/O this layer requires of its
	// caller. 1 means byte-granular.
	BlockSize() int

	// Err returns the layer's sticky error, or nil if none is pending.
	// It survives after Close so callers can inspect a failed operation's
	// error through a header that outlives the instance (see file.File.Err).
	Err() error

	// EOF reports whether the most recent Read hit end-of-file. It is
	// independent of Err: EOF is not itself an error.
	EOF() bool
}

// Prototype is a configured-but-unopened layer template. Open clones the
// prototype, opens its successor (if any) against the same path/flags/mode,
// negotiates block sizes, and returns a ready Layer instance.
//
// Prototypes are built once at process startup and never mutated; Open
// must not write through the receiver.
type Prototype interface {
	Open(path string, flags OpenFlag, mode os.FileMode) (Layer, error)
}

// Header is the embeddable state every concrete layer shares: a link to
// its successor, the block size it exposes upward, and the sticky
// error/EOF pair. Concrete layers embed Header and add their own state.
type Header struct {
	Next      Layer
	blockSize int
	err       error
	eof       bool
}

// BlockSize implements Layer.
func (h *Header) BlockSize() int { return h.blockSize }

// SetBlockSize is used by a layer's Open to record the block size it has
// negotiated with its successor.
func (h *Header) SetBlockSize(n int) { h.blockSize = n }

// Err implements Layer.
func (h *Header) Err() error { return h.err }

// EOF implements Layer.
func (h *Header) EOF() bool { return h.eof }

// SetEOF records whether the most recent Read hit end-of-file.
func (h *Header) SetEOF(eof bool) { h.eof = eof }

// ClearError resets both the sticky error and the EOF flag, mirroring the
// clear_error operation every layer exposes to its caller.
func (h *Header) ClearError() {
	h.err = nil
	h.eof = false
}

// SetErr records err as this layer's sticky error, unless one is already
// pending — the first error in a cascade wins, matching the Close-path
// propagation rule (§7): don't overwrite with a later cascading failure.
func (h *Header) SetErr(err error) {
	if h.err == nil {
		h.err = err
	}
}

// AdoptErr copies a successor's sticky error into this layer verbatim, the
// per-call error-propagation rule every layer follows when its successor
// fails. It is a no-op if succ reports no error, and never overwrites an
// error this layer already recorded.
func (h *Header) AdoptErr(succ Layer) {
	if succ == nil {
		return
	}
	h.SetErr(succ.Err())
}
