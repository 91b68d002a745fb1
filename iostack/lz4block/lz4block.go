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

// Package lz4block is the compressed-block layer: fixed-size plaintext
// blocks become length-prefixed LZ4 records on disk, addressed through an
// offset index that's kept in a sidecar file while writable and merged
// back into the data file at Close. Writes are append-or-rewrite-last-
// block-only; reads can land on any block at random via the index.
package lz4block

import (
	"os"

	"github.com/pierrec/lz4/v4"
	"github.com/precision-software/iostack"
	"github.com/precision-software/iostack/internal/hostfile"
)

const trailerSize = 16 // compressed_data_size(8) + plaintext_size(8)

// Record tags distinguish an lz4-compressed payload from one stored
// verbatim because compression wouldn't shrink it; both share the same
// length-prefixed framing, so Read needs the tag to know whether to run
// the payload back through the decompressor.
const (
	recordCompressed = 0
	recordVerbatim   = 1
)

// Prototype configures the LZ4 layer.
type Prototype struct {
	Next           iostack.Prototype
	PlaintextBlock int
	Namer          hostfile.TempNamer
	SidecarOpener  hostfile.Opener
}

func NewPrototype(next iostack.Prototype, blockSize int, namer hostfile.TempNamer, sidecarOpener hostfile.Opener) *Prototype {
	return &Prototype{Next: next, PlaintextBlock: blockSize, Namer: namer, SidecarOpener: sidecarOpener}
}

func (p *Prototype) Open(path string, flags iostack.OpenFlag, mode os.FileMode) (iostack.Layer, error) {
	succ, err := p.Next.Open(path, flags, mode)
	l := &Layer{
		blockSize:     p.PlaintextBlock,
		writable:      flags.Writable(),
		namer:         p.Namer,
		sidecarOpener: p.SidecarOpener,
	}
	l.Next = succ
	l.SetBlockSize(p.PlaintextBlock)
	if err != nil {
		l.AdoptErr(succ)
		return l, err
	}

	onDiskSize, err := succ.Size()
	if err != nil {
		l.AdoptErr(succ)
		return l, err
	}

	if onDiskSize > 0 {
		trailer := make([]byte, trailerSize)
		if _, err := iostack.ReadAll(succ, trailer, onDiskSize-trailerSize); err != nil {
			l.SetErr(err)
			return l, err
		}
		l.compressedSize = int64(beUint64(trailer[0:8]))
		l.plaintextSize = int64(beUint64(trailer[8:16]))
		indexSize := onDiskSize - trailerSize - l.compressedSize
		nblocks := indexSize / 8

		l.index = make([]int64, nblocks)
		indexBytes := make([]byte, indexSize)
		if _, err := iostack.ReadAll(succ, indexBytes, l.compressedSize); err != nil {
			l.SetErr(err)
			return l, err
		}
		for i := int64(0); i < nblocks; i++ {
			l.index[i] = int64(beUint64(indexBytes[i*8 : i*8+8]))
		}

		if l.writable {
			sidecarPath := p.Namer.NewTempName(path + ".lz4idx")
			sidecar, err := p.SidecarOpener.Open(sidecarPath, os.O_CREATE|os.O_RDWR, 0o600)
			if err != nil {
				l.SetErr(err)
				return l, err
			}
			l.sidecar = sidecar
			l.sidecarPath = sidecarPath
			if _, err := iostack.WriteAll(sidecarLayer{sidecar}, indexBytes, 0); err != nil {
				l.SetErr(err)
				return l, err
			}
			if err := succ.Resize(l.compressedSize); err != nil {
				l.AdoptErr(succ)
				return l, err
			}
		}
	} else if l.writable {
		sidecarPath := p.Namer.NewTempName(path + ".lz4idx")
		sidecar, err := p.SidecarOpener.Open(sidecarPath, os.O_CREATE|os.O_RDWR, 0o600)
		if err != nil {
			l.SetErr(err)
			return l, err
		}
		l.sidecar = sidecar
		l.sidecarPath = sidecarPath
	}

	return l, nil
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

// sidecarLayer adapts hostfile.Descriptor to iostack.Layer just enough to
// reuse iostack.ReadAll/WriteAll against the sidecar.
type sidecarLayer struct{ d hostfile.Descriptor }

func (s sidecarLayer) Read(buf []byte, offset int64) (int, error)  { return s.d.ReadAt(buf, offset) }
func (s sidecarLayer) Write(buf []byte, offset int64) (int, error) { return s.d.WriteAt(buf, offset) }
func (s sidecarLayer) Sync() error                                 { return s.d.Sync() }
func (s sidecarLayer) Size() (int64, error)                        { return s.d.Size() }
func (s sidecarLayer) Resize(n int64) error                        { return s.d.Truncate(n) }
func (s sidecarLayer) Close() error                                { return s.d.Close() }
func (s sidecarLayer) BlockSize() int                              { return 1 }
func (s sidecarLayer) Err() error                                  { return nil }
func (s sidecarLayer) EOF() bool                                   { return false }

// Layer is the opened LZ4 instance.
type Layer struct {
	iostack.Header

	blockSize int
	writable  bool

	index          []int64 // index[k] = compressed offset of plaintext block k
	compressedSize int64
	plaintextSize  int64

	namer         hostfile.TempNamer
	sidecarOpener hostfile.Opener
	sidecar       hostfile.Descriptor
	sidecarPath   string
}

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
	blockIndex := offset / bs
	if blockIndex >= int64(len(l.index)) {
		l.SetEOF(true)
		return 0, nil
	}

	record, err := iostack.ReadSized(l.Next, l.index[blockIndex])
	if err != nil {
		l.AdoptErr(l.Next)
		return 0, err
	}
	if len(record) == 0 {
		err := iostack.NewStackError("Read", "empty record for block %d", blockIndex)
		l.SetErr(err)
		return 0, err
	}
	tag, payload := record[0], record[1:]

	plainLen := l.blockSize
	if blockIndex == int64(len(l.index))-1 {
		plainLen = int(l.plaintextSize - blockIndex*bs)
	}
	if plainLen > len(buf) {
		plainLen = len(buf)
	}

	if tag == recordVerbatim {
		n := copy(buf[:plainLen], payload)
		l.SetEOF(false)
		return n, nil
	}

	n, err := lz4.UncompressBlock(payload, buf[:plainLen])
	if err != nil {
		err = iostack.NewStackError("Read", "lz4 decompress block %d: %v", blockIndex, err)
		l.SetErr(err)
		return 0, err
	}
	l.SetEOF(false)
	return n, nil
}

func (l *Layer) Write(buf []byte, offset int64) (int, error) {
	if err := l.Err(); err != nil {
		return 0, err
	}
	if !l.writable {
		err := iostack.NewStackError("Write", "layer opened read-only")
		l.SetErr(err)
		return 0, err
	}
	bs := int64(l.blockSize)
	if offset%bs != 0 {
		err := iostack.NewStackError("Write", "offset %d not a multiple of block size %d", offset, bs)
		l.SetErr(err)
		return 0, err
	}
	n := len(buf)
	if int64(n) > bs {
		n = int(bs)
	}

	nblocks := int64(len(l.index))
	blockIndex := offset / bs
	isAppend := blockIndex == nblocks
	isLastRewrite := nblocks > 0 && blockIndex == nblocks-1

	if !isAppend && !isLastRewrite {
		err := iostack.NewStackError("Write", "write to non-last block %d (have %d blocks)", blockIndex, nblocks)
		l.SetErr(err)
		return 0, err
	}

	maxCompressed := lz4.CompressBlockBound(n)
	compressed := make([]byte, maxCompressed)
	var compressor lz4.Compressor
	compLen, err := compressor.CompressBlock(buf[:n], compressed)
	if err != nil {
		err = iostack.NewStackError("Write", "lz4 compress block %d: %v", blockIndex, err)
		l.SetErr(err)
		return 0, err
	}

	// Incompressible: pierrec/lz4 returns 0 when compression wouldn't
	// shrink the block. Store the block verbatim, tagged so Read knows
	// not to run it back through the decompressor.
	tag := byte(recordCompressed)
	payload := compressed[:compLen]
	if compLen == 0 {
		tag = recordVerbatim
		payload = buf[:n]
	}
	record := make([]byte, 0, len(payload)+1)
	record = append(record, tag)
	record = append(record, payload...)

	var recordOffset int64
	if isAppend {
		recordOffset = l.compressedSize
	} else {
		recordOffset = l.index[blockIndex]
	}

	recordLen, err := iostack.WriteSized(l.Next, recordOffset, record)
	if err != nil {
		l.AdoptErr(l.Next)
		return 0, err
	}

	if isAppend {
		l.index = append(l.index, recordOffset)
		if l.sidecar != nil {
			if _, err := iostack.WriteAll(sidecarLayer{l.sidecar}, beBytes(uint64(recordOffset)), blockIndex*8); err != nil {
				l.SetErr(err)
				return 0, err
			}
		}
	} else if l.sidecar != nil {
		if _, err := iostack.WriteAll(sidecarLayer{l.sidecar}, beBytes(uint64(recordOffset)), blockIndex*8); err != nil {
			l.SetErr(err)
			return 0, err
		}
	}

	l.compressedSize = recordOffset + recordLen
	if end := offset + int64(n); end > l.plaintextSize {
		l.plaintextSize = end
	}
	return n, nil
}

func beBytes(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

func (l *Layer) Sync() error {
	if err := l.Next.Sync(); err != nil {
		l.AdoptErr(l.Next)
		return err
	}
	if l.sidecar != nil {
		if err := l.sidecar.Sync(); err != nil {
			l.SetErr(err)
			return err
		}
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
	if !l.writable {
		err := iostack.NewStackError("Resize", "layer opened read-only")
		l.SetErr(err)
		return err
	}
	bs := int64(l.blockSize)
	targetBlocks := newSize / bs
	rem := newSize % bs

	if rem == 0 {
		l.dropBlocksFrom(targetBlocks)
		l.plaintextSize = targetBlocks * bs
		return nil
	}

	// The straddling block's old content has to be read back before its
	// index entry is dropped, so the retained prefix can be re-encoded.
	blockStart := targetBlocks * bs
	full := make([]byte, bs)
	n, err := l.Read(full, blockStart)
	if err != nil {
		return err
	}
	if int64(n) < rem {
		err := iostack.NewStackError("Resize", "block %d shorter than retained length %d", targetBlocks, rem)
		l.SetErr(err)
		return err
	}

	l.dropBlocksFrom(targetBlocks)
	l.plaintextSize = blockStart
	_, err = l.Write(full[:rem], blockStart)
	return err
}

func (l *Layer) dropBlocksFrom(targetBlocks int64) {
	if targetBlocks >= int64(len(l.index)) {
		return
	}
	if targetBlocks == 0 {
		l.compressedSize = 0
	} else {
		l.compressedSize = l.index[targetBlocks]
	}
	l.index = l.index[:targetBlocks]
}

// Close writes the in-memory block index (which the sidecar mirrors while
// the layer is writable) into the data file at the end of the compressed
// data, writes the two trailers after it, and removes the sidecar.
// Read-only instances just close their successor.
func (l *Layer) Close() error {
	if !l.writable {
		err := l.Next.Close()
		if err != nil {
			l.AdoptErr(l.Next)
		}
		return err
	}

	indexBytes := make([]byte, len(l.index)*8)
	for i, off := range l.index {
		copy(indexBytes[i*8:i*8+8], beBytes(uint64(off)))
	}
	var err error
	if _, werr := iostack.WriteAll(l.Next, indexBytes, l.compressedSize); werr != nil {
		l.AdoptErr(l.Next)
		err = werr
	}

	trailerOffset := l.compressedSize + int64(len(indexBytes))
	if err == nil {
		trailer := make([]byte, trailerSize)
		copy(trailer[0:8], beBytes(uint64(l.compressedSize)))
		copy(trailer[8:16], beBytes(uint64(l.plaintextSize)))
		if _, werr := iostack.WriteAll(l.Next, trailer, trailerOffset); werr != nil {
			l.AdoptErr(l.Next)
			err = werr
		}
	}

	if cerr := l.Next.Close(); cerr != nil {
		l.AdoptErr(l.Next)
		if err == nil {
			err = cerr
		}
	}

	if l.sidecar != nil {
		if cerr := l.sidecar.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if rerr := l.sidecarOpener.Remove(l.sidecarPath); rerr != nil && err == nil {
			err = rerr
		}
	}

	return err
}
