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

package main

import (
	"crypto/sha256"
	"math/rand"

	"github.com/precision-software/iostack/cfg"
	"github.com/precision-software/iostack/file"
	"github.com/precision-software/iostack/internal/hostfile"
	"github.com/precision-software/iostack/internal/hostfile/osfile"
)

// fixedKeyProvider is the demo KeyProvider: key management is a Non-goal
// of this repository (keys are a host responsibility), so iostackctl
// derives a single process-lifetime key from a passphrase flag instead of
// implementing key storage or rotation.
type fixedKeyProvider struct {
	key [32]byte
}

func newFixedKeyProvider(passphrase string) *fixedKeyProvider {
	return &fixedKeyProvider{key: sha256.Sum256([]byte(passphrase))}
}

func (p *fixedKeyProvider) SessionKey() ([]byte, error)   { return p.key[:], nil }
func (p *fixedKeyProvider) PermanentKey() ([]byte, error) { return p.key[:], nil }

var _ hostfile.KeyProvider = (*fixedKeyProvider)(nil)

// buildRegistry wires the default prototype set from c, matching what a
// real host process would assemble once at startup.
func buildRegistry(c *cfg.Config, passphrase string) *file.Registry {
	opener := osfile.Opener{}
	keys := newFixedKeyProvider(passphrase)
	seq := &osfile.AtomicSequence{}
	namer := osfile.UUIDTempNamer{}
	quota := osfile.NewQuota(cfg.TempQuotaBytes(c))
	return file.NewRegistry(c, opener, keys, seq, namer, quota)
}

// deterministicContent fills buf with the pseudo-random byte sequence
// iostackctl verify re-derives and checks against, seeded so "write" and
// "verify" agree without storing a reference copy.
func deterministicContent(buf []byte, seed int64, offset int64) {
	r := rand.New(rand.NewSource(seed))
	// Advance the stream to the requested byte offset; acceptable for a
	// CLI demo tool operating on modest file sizes.
	var skip [4096]byte
	remaining := offset
	for remaining > 0 {
		n := int64(len(skip))
		if n > remaining {
			n = remaining
		}
		r.Read(skip[:n])
		remaining -= n
	}
	r.Read(buf)
}
