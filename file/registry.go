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

package file

import (
	"fmt"

	"github.com/precision-software/iostack"
	"github.com/precision-software/iostack/cfg"
	"github.com/precision-software/iostack/internal/hostfile"
	"github.com/precision-software/iostack/iostack/aead"
	"github.com/precision-software/iostack/iostack/buffered"
	"github.com/precision-software/iostack/iostack/lz4block"
	"github.com/precision-software/iostack/iostack/raw"
)

// Registry holds one prototype per stack selector. It is built once at
// startup (see NewRegistry) and never mutated afterwards; Open reads it
// concurrently from many goroutines/processes.
type Registry struct {
	Raw                iostack.Prototype
	Plain              iostack.Prototype
	SessionEncrypted   iostack.Prototype
	PermanentEncrypted iostack.Prototype
	Test               iostack.Prototype // optional, wired by tests via O_TESTSTACK

	// Quota accounts growth of files opened with O_TEMP_LIMIT against a
	// process-wide byte budget. Nil means no accounting (Open leaves the
	// flag inert rather than failing on it).
	Quota hostfile.QuotaAccountant
}

// Pick selects the prototype named by flags' stack-selector bits. Exactly
// one selector flag is expected; RAW wins if several are set.
func (r *Registry) Pick(flags iostack.OpenFlag) (iostack.Prototype, error) {
	switch {
	case flags.Has(iostack.O_RAW):
		return r.Raw, nil
	case flags.Has(iostack.O_ENCRYPT_PERM):
		return r.PermanentEncrypted, nil
	case flags.Has(iostack.O_ENCRYPT):
		return r.SessionEncrypted, nil
	case flags.Has(iostack.O_TESTSTACK):
		if r.Test == nil {
			return nil, fmt.Errorf("file: O_TESTSTACK set but no test prototype registered")
		}
		return r.Test, nil
	case flags.Has(iostack.O_PLAIN):
		return r.Plain, nil
	default:
		return nil, fmt.Errorf("file: open flags carry no stack selector")
	}
}

// NewRegistry builds the four standard prototypes (raw, plain-buffered,
// session-encrypted-buffered, permanent-encrypted-buffered) from cfg and
// the host collaborators.
//
// The encrypted-and-compressed chain is Buffered -> LZ4 -> Buffered ->
// AEAD -> Raw. LZ4 and AEAD are both fixed-plaintext-block layers that
// demand block-aligned offsets from their caller, and LZ4's own record
// framing is variable-length, so it can't write directly into AEAD's
// block-aligned successor interface; a second Buffered instance sits
// between them to reconcile LZ4's arbitrary byte offsets with AEAD's
// alignment requirement, the same way the outer Buffered reconciles the
// facade's arbitrary offsets with LZ4's. Putting LZ4 above AEAD in the
// data-flow also keeps compression ahead of encryption (compressing
// already-encrypted bytes would find no redundancy to exploit).
func NewRegistry(c *cfg.Config, opener hostfile.Opener, keys hostfile.KeyProvider, seq hostfile.SequenceGenerator, namer hostfile.TempNamer, quota hostfile.QuotaAccountant) *Registry {
	blockSize := cfg.EffectiveBlockSize(c)

	rawProto := raw.NewPrototype(opener)

	plain := buffered.NewPrototype(rawProto, blockSize)

	encryptedChain := func(permanent bool) iostack.Prototype {
		aeadProto := aead.NewPrototype(rawProto, blockSize, keys, seq, permanent)
		if !cfg.IsCompressionEnabled(c) {
			return buffered.NewPrototype(aeadProto, blockSize)
		}
		innerBuffered := buffered.NewPrototype(aeadProto, blockSize)
		lz4Proto := lz4block.NewPrototype(innerBuffered, blockSize, namer, opener)
		return buffered.NewPrototype(lz4Proto, blockSize)
	}

	return &Registry{
		Raw:                rawProto,
		Plain:              plain,
		SessionEncrypted:   encryptedChain(false),
		PermanentEncrypted: encryptedChain(true),
		Quota:              quota,
	}
}
