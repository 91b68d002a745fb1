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

// Package aead is the per-block authenticated-encryption layer: fixed-size
// plaintext blocks become ciphertext||sequence||tag on-disk records, with
// a deterministic IV and the sequence number as associated data, and a
// trailing short (possibly zero-length) record that makes the plaintext
// length unambiguous without a separate header.
package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/precision-software/iostack"
	"github.com/precision-software/iostack/internal/hostfile"
	"golang.org/x/crypto/hkdf"
)

const tagSize = 16

// NewAEAD builds the cipher.AEAD for a derived per-file key. Tests inject
// a deterministic fake here instead of the default AES-256-GCM.
type NewAEAD func(key []byte) (cipher.AEAD, error)

// DefaultCipher constructs AES-256-GCM, the only cipher cfg.Cipher
// currently names.
func DefaultCipher(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Prototype configures the AEAD layer.
type Prototype struct {
	Next            iostack.Prototype
	PlaintextBlock  int
	Keys            hostfile.KeyProvider
	Sequence        hostfile.SequenceGenerator
	Cipher          NewAEAD
	UsePermanentKey bool // selects KeyProvider.PermanentKey over SessionKey
}

func NewPrototype(next iostack.Prototype, blockSize int, keys hostfile.KeyProvider, seq hostfile.SequenceGenerator, permanent bool) *Prototype {
	return &Prototype{Next: next, PlaintextBlock: blockSize, Keys: keys, Sequence: seq, Cipher: DefaultCipher, UsePermanentKey: permanent}
}

func (p *Prototype) Open(path string, flags iostack.OpenFlag, mode os.FileMode) (iostack.Layer, error) {
	succ, err := p.Next.Open(path, flags, mode)
	l := &Layer{
		blockSize:  p.PlaintextBlock,
		recordSize: p.PlaintextBlock + 8 + tagSize,
		seq:        p.Sequence,
	}
	l.Next = succ
	l.SetBlockSize(p.PlaintextBlock)
	if err != nil {
		l.AdoptErr(succ)
		return l, err
	}

	master, err := pickKey(p.Keys, p.UsePermanentKey)
	if err != nil {
		l.SetErr(err)
		return l, err
	}
	perFileKey, err := deriveKey(master, path)
	if err != nil {
		l.SetErr(err)
		return l, err
	}
	aeadCipher, err := p.Cipher(perFileKey)
	if err != nil {
		l.SetErr(err)
		return l, err
	}
	l.cipher = aeadCipher

	onDiskSize, err := succ.Size()
	if err != nil {
		l.AdoptErr(succ)
		return l, err
	}

	plaintextSize, err := impliedPlaintextSize(onDiskSize, l.recordSize, l.blockSize)
	if err != nil {
		l.SetErr(err)
		return l, err
	}
	l.plaintextSize = plaintextSize

	// Confirm integrity by verifying the trailing short block, detecting
	// truncation, extension, or a zeroed trailer at open time instead of
	// on the first unrelated read.
	if onDiskSize > 0 {
		lastBlockStart := (plaintextSize / int64(l.blockSize)) * int64(l.blockSize)
		lastLen := plaintextSize - lastBlockStart
		buf := make([]byte, lastLen)
		if _, err := l.readBlock(buf, lastBlockStart); err != nil {
			l.SetErr(err)
			return l, err
		}
	}

	return l, nil
}

func pickKey(kp hostfile.KeyProvider, permanent bool) ([]byte, error) {
	if permanent {
		return kp.PermanentKey()
	}
	return kp.SessionKey()
}

// deriveKey derives a 32-byte per-file key from the host's master key via
// HKDF-SHA256, so a single session or permanent key never directly
// encrypts more than one file's blocks.
func deriveKey(master []byte, path string) ([]byte, error) {
	out := make([]byte, 32)
	r := hkdf.New(sha256.New, master, nil, []byte(path))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("aead: deriving per-file key: %w", err)
	}
	return out, nil
}

// impliedPlaintextSize recovers the plaintext length from the on-disk
// size under the terminator invariant (§4.2): a closed file's size is
// never an exact multiple of recordSize unless it's empty.
func impliedPlaintextSize(onDiskSize int64, recordSize, blockSize int) (int64, error) {
	if onDiskSize == 0 {
		return 0, nil
	}
	rs := int64(recordSize)
	full := onDiskSize / rs
	rem := onDiskSize % rs
	if rem == 0 {
		return 0, iostack.NewStackError("Open", "on-disk size %d is an exact multiple of the record size; missing terminator", onDiskSize)
	}
	lastL := rem - 8 - tagSize
	if lastL < 0 {
		return 0, iostack.NewStackError("Open", "truncated trailing record (%d bytes)", rem)
	}
	return full*int64(blockSize) + lastL, nil
}

// Layer is the opened AEAD instance.
type Layer struct {
	iostack.Header

	blockSize  int
	recordSize int
	cipher     cipher.AEAD
	seq        hostfile.SequenceGenerator

	plaintextSize  int64
	needTerminator bool
}

func iv(blockIndex uint32, seq uint64) []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint32(b[0:4], blockIndex)
	binary.BigEndian.PutUint64(b[4:12], seq)
	return b
}

// readBlock decrypts the record for the block starting at blockStart,
// expecting exactly len(buf) plaintext bytes (the caller knows whether
// this is a full or the trailing partial block).
func (l *Layer) readBlock(buf []byte, blockStart int64) (int, error) {
	blockIndex := uint32(blockStart / int64(l.blockSize))
	recordOffset := blockIndex64(blockIndex) * int64(l.recordSize)
	recordLen := len(buf) + 8 + tagSize

	record := make([]byte, recordLen)
	if _, err := iostack.ReadAll(l.Next, record, recordOffset); err != nil {
		l.AdoptErr(l.Next)
		return 0, err
	}

	ciphertext := record[:len(buf)]
	seqBytes := record[len(buf) : len(buf)+8]
	tag := record[len(buf)+8:]

	sealed := make([]byte, 0, len(ciphertext)+tagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plain, err := l.cipher.Open(buf[:0], iv(blockIndex, binary.BigEndian.Uint64(seqBytes)), sealed, seqBytes)
	if err != nil {
		err = iostack.NewStackError("Read", "authentication failed for block %d: %v", blockIndex, err)
		l.SetErr(err)
		return 0, err
	}
	return len(plain), nil
}

// writeBlock encrypts plaintext as the record for blockStart, using a
// fresh sequence number from the host.
func (l *Layer) writeBlock(plaintext []byte, blockStart int64) error {
	blockIndex := uint32(blockStart / int64(l.blockSize))
	sequence := l.seq.Next()
	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, sequence)

	sealed := l.cipher.Seal(nil, iv(blockIndex, sequence), plaintext, seqBytes)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	record := make([]byte, 0, len(ciphertext)+8+tagSize)
	record = append(record, ciphertext...)
	record = append(record, seqBytes...)
	record = append(record, tag...)

	recordOffset := blockIndex64(blockIndex) * int64(l.recordSize)
	if _, err := iostack.WriteAll(l.Next, record, recordOffset); err != nil {
		l.AdoptErr(l.Next)
		return err
	}
	// Only the on-disk size says whether the file now ends on a full
	// record; rewriting an earlier full block leaves that unchanged.
	onDiskSize, err := l.Next.Size()
	if err != nil {
		l.AdoptErr(l.Next)
		return err
	}
	l.needTerminator = onDiskSize > 0 && onDiskSize%int64(l.recordSize) == 0
	return nil
}

func blockIndex64(i uint32) int64 { return int64(i) }

func (l *Layer) Read(buf []byte, offset int64) (int, error) {
	if err := l.Err(); err != nil {
		return 0, err
	}
	bs := int64(l.blockSize)
	if offset%bs != 0 {
		err := iostack.NewStackError("Read", "offset %d not a multiple of block size %d", offset, bs)
		l.SetErr(err)
		return 0, err
	}
	if offset >= l.plaintextSize {
		l.SetEOF(true)
		return 0, nil
	}
	want := len(buf)
	if want > l.blockSize {
		want = l.blockSize
	}
	if remaining := l.plaintextSize - offset; int64(want) > remaining {
		want = int(remaining)
	}
	n, err := l.readBlock(buf[:want], offset)
	if err != nil {
		return 0, err
	}
	l.SetEOF(false)
	return n, nil
}

func (l *Layer) Write(buf []byte, offset int64) (int, error) {
	if err := l.Err(); err != nil {
		return 0, err
	}
	bs := int64(l.blockSize)
	if offset%bs != 0 {
		err := iostack.NewStackError("Write", "offset %d not a multiple of block size %d", offset, bs)
		l.SetErr(err)
		return 0, err
	}
	n := len(buf)
	if n > l.blockSize {
		n = l.blockSize
	}
	if n < l.blockSize && offset+int64(n) < l.plaintextSize {
		err := iostack.NewStackError("Write", "partial block write at offset %d precedes EOF (size %d)", offset, l.plaintextSize)
		l.SetErr(err)
		return 0, err
	}
	if err := l.writeBlock(buf[:n], offset); err != nil {
		return 0, err
	}
	if end := offset + int64(n); end > l.plaintextSize {
		l.plaintextSize = end
	}
	return n, nil
}

// ensureTerminator appends a zero-length terminator record whenever the
// most recently written block left the on-disk file an exact multiple of
// the record size, so "last block size" stays unambiguous (§4.2).
func (l *Layer) ensureTerminator() error {
	if !l.needTerminator {
		return nil
	}
	if err := l.writeBlock(nil, l.plaintextSize); err != nil {
		return err
	}
	l.needTerminator = false
	return nil
}

func (l *Layer) Sync() error {
	if err := l.ensureTerminator(); err != nil {
		return err
	}
	if err := l.Next.Sync(); err != nil {
		l.AdoptErr(l.Next)
		return err
	}
	return nil
}

func (l *Layer) Size() (int64, error) {
	if err := l.Err(); err != nil {
		return 0, err
	}
	return l.plaintextSize, nil
}

func (l *Layer) Resize(newSize int64) error {
	bs := int64(l.blockSize)
	switch {
	case newSize == l.plaintextSize:
		return nil
	case newSize < l.plaintextSize:
		blockStart := newSize / bs * bs
		if blockStart == newSize {
			recordOffset := (newSize / bs) * int64(l.recordSize)
			if err := l.Next.Resize(recordOffset); err != nil {
				l.AdoptErr(l.Next)
				return err
			}
			l.plaintextSize = newSize
			// A truncate landing exactly on a block boundary leaves the
			// on-disk size an exact multiple of recordSize, which is
			// ambiguous unless the plaintext is empty.
			l.needTerminator = newSize > 0
			return l.ensureTerminator()
		}
		curLen := bs
		if blockStart+curLen > l.plaintextSize {
			curLen = l.plaintextSize - blockStart
		}
		existing := make([]byte, curLen)
		if _, err := l.readBlock(existing, blockStart); err != nil {
			return err
		}
		// Drop the straddling block's old record (and everything past it)
		// before re-appending the shorter one, or the stale tail survives
		// on disk and resurrects itself on reopen.
		recordOffset := (blockStart / bs) * int64(l.recordSize)
		if err := l.Next.Resize(recordOffset); err != nil {
			l.AdoptErr(l.Next)
			return err
		}
		if err := l.writeBlock(existing[:newSize-blockStart], blockStart); err != nil {
			return err
		}
		l.plaintextSize = newSize
		return l.ensureTerminator()
	default:
		cur := l.plaintextSize
		blockStart := cur / bs * bs
		if cur%bs != 0 {
			fillTo := blockStart + bs
			if fillTo > newSize {
				fillTo = newSize
			}
			curLen := cur - blockStart
			buf := make([]byte, fillTo-blockStart)
			if curLen > 0 {
				if _, err := l.readBlock(buf[:curLen], blockStart); err != nil {
					return err
				}
			}
			if err := l.writeBlock(buf, blockStart); err != nil {
				return err
			}
			cur = fillTo
		}
		for cur < newSize {
			end := cur + bs
			if end > newSize {
				end = newSize
			}
			buf := make([]byte, end-cur)
			if err := l.writeBlock(buf, cur); err != nil {
				return err
			}
			cur = end
		}
		l.plaintextSize = newSize
		return l.ensureTerminator()
	}
}

func (l *Layer) Close() error {
	err := l.ensureTerminator()
	if cerr := l.Next.Close(); cerr != nil {
		l.AdoptErr(l.Next)
		if err == nil {
			err = cerr
		}
	}
	return err
}
