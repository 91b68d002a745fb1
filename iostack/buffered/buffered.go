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

// Package buffered presents a byte-granular (block_size=1) stream view
// over a successor that requires block-aligned I/O, reconciling the two
// with a single aligned read-modify-write cache.
package buffered

import (
	"os"

	"github.com/precision-software/iostack"
)

// Prototype configures the buffered layer: its successor and the block
// size it would like to use, rounded up to a multiple of the successor's
// exposed block size once the successor is open.
type Prototype struct {
	Next      iostack.Prototype
	BlockSize int
}

func NewPrototype(next iostack.Prototype, blockSize int) *Prototype {
	return &Prototype{Next: next, BlockSize: blockSize}
}

func (p *Prototype) Open(path string, flags iostack.OpenFlag, mode os.FileMode) (iostack.Layer, error) {
	// Write-only upstream is promoted to read/write downstream: the
	// read-modify-write pattern needs reads even if the caller never will.
	openFlags := flags
	if flags.Has(iostack.O_WRONLY) {
		openFlags = (flags &^ iostack.O_WRONLY) | iostack.O_RDWR
	}

	succ, err := p.Next.Open(path, openFlags, mode)
	l := &Layer{currentBlock: -1}
	l.Next = succ
	l.SetBlockSize(1)
	if err != nil {
		l.AdoptErr(succ)
		return l, err
	}

	bs := p.BlockSize
	if succBS := succ.BlockSize(); succBS > 1 {
		bs = ((bs + succBS - 1) / succBS) * succBS
	}
	l.blockSize = bs
	l.buf = make([]byte, bs)

	size, err := succ.Size()
	if err != nil {
		l.AdoptErr(succ)
		return l, err
	}
	l.fileSize = size
	l.sizeConfirmed = true
	return l, nil
}

// Layer is the opened buffered instance.
type Layer struct {
	iostack.Header

	blockSize int
	buf       []byte

	currentBlock int64 // offset of the block buf represents, -1 if none
	currentSize  int   // valid bytes in buf
	dirty        bool

	fileSize      int64
	sizeConfirmed bool
}

func (l *Layer) positionToBuffer(blockStart int64) error {
	if blockStart == l.currentBlock {
		return nil
	}
	if err := l.flush(); err != nil {
		return err
	}
	l.currentBlock = blockStart
	l.currentSize = 0
	return nil
}

func (l *Layer) flush() error {
	if !l.dirty {
		return nil
	}
	if _, err := iostack.WriteAll(l.Next, l.buf[:l.currentSize], l.currentBlock); err != nil {
		l.AdoptErr(l.Next)
		return err
	}
	l.dirty = false
	return nil
}

func (l *Layer) loadCurrentBlock() error {
	if l.currentSize > 0 || l.currentBlock >= l.fileSize {
		return nil
	}
	want := int64(l.blockSize)
	if l.currentBlock+want > l.fileSize {
		want = l.fileSize - l.currentBlock
	}
	n, err := iostack.ReadAll(l.Next, l.buf[:want], l.currentBlock)
	if err != nil {
		l.AdoptErr(l.Next)
		return err
	}
	l.currentSize = n
	return nil
}

func (l *Layer) Read(p []byte, offset int64) (int, error) {
	if err := l.Err(); err != nil {
		return 0, err
	}
	if offset >= l.fileSize {
		l.SetEOF(true)
		return 0, nil
	}
	bs := int64(l.blockSize)
	total := 0
	for total < len(p) && offset < l.fileSize {
		blockStart := offset / bs * bs
		inBlock := int(offset - blockStart)

		if inBlock == 0 && blockStart != l.currentBlock && int64(len(p)-total) >= bs && blockStart+bs <= l.fileSize {
			n, err := l.Next.Read(p[total:total+l.blockSize], blockStart)
			total += n
			offset += int64(n)
			if err != nil {
				l.AdoptErr(l.Next)
				return total, err
			}
			if n < l.blockSize {
				break
			}
			continue
		}

		if err := l.positionToBuffer(blockStart); err != nil {
			return total, err
		}
		if err := l.loadCurrentBlock(); err != nil {
			return total, err
		}
		avail := l.currentSize - inBlock
		if avail <= 0 {
			break
		}
		n := copy(p[total:], l.buf[inBlock:l.currentSize])
		total += n
		offset += int64(n)
	}
	l.SetEOF(total == 0)
	return total, nil
}

func (l *Layer) Write(p []byte, offset int64) (int, error) {
	if err := l.Err(); err != nil {
		return 0, err
	}
	if offset > l.fileSize {
		err := iostack.NewStackError("Write", "hole at offset %d (size %d)", offset, l.fileSize)
		l.SetErr(err)
		return 0, err
	}
	bs := int64(l.blockSize)
	total := 0
	for total < len(p) {
		blockStart := offset / bs * bs
		inBlock := int(offset - blockStart)

		if inBlock == 0 && int64(len(p)-total) >= bs && blockStart != l.currentBlock {
			nBlocks := int64(len(p)-total) / bs
			n := nBlocks * bs
			written, err := l.Next.Write(p[total:total+int(n)], blockStart)
			total += written
			offset += int64(written)
			if err != nil {
				l.AdoptErr(l.Next)
				return total, err
			}
			if blockStart+int64(written) > l.fileSize {
				l.fileSize = blockStart + int64(written)
			}
			if written < int(n) {
				break
			}
			continue
		}

		if err := l.positionToBuffer(blockStart); err != nil {
			return total, err
		}
		if err := l.loadCurrentBlock(); err != nil {
			return total, err
		}
		n := copy(l.buf[inBlock:], p[total:])
		if inBlock+n > l.currentSize {
			l.currentSize = inBlock + n
		}
		l.dirty = true
		total += n
		offset += int64(n)
		if offset > l.fileSize {
			l.fileSize = offset
		}
	}
	return total, nil
}

func (l *Layer) Sync() error {
	if err := l.flush(); err != nil {
		return err
	}
	if err := l.Next.Sync(); err != nil {
		l.AdoptErr(l.Next)
		return err
	}
	return nil
}

func (l *Layer) Size() (int64, error) {
	if l.sizeConfirmed {
		return l.fileSize, nil
	}
	if err := l.flush(); err != nil {
		return 0, err
	}
	size, err := l.Next.Size()
	if err != nil {
		l.AdoptErr(l.Next)
		return 0, err
	}
	l.fileSize = size
	l.sizeConfirmed = true
	return size, nil
}

func (l *Layer) Resize(newSize int64) error {
	l.currentBlock = -1
	l.currentSize = 0
	l.dirty = false
	if err := l.Next.Resize(newSize); err != nil {
		l.AdoptErr(l.Next)
		return err
	}
	l.fileSize = newSize
	l.sizeConfirmed = true
	return nil
}

func (l *Layer) Close() error {
	err := l.flush()
	if cerr := l.Next.Close(); cerr != nil {
		l.AdoptErr(l.Next)
		if err == nil {
			err = cerr
		}
	}
	return err
}
