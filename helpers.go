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

package iostack

import (
	"encoding/binary"
	"io"
)

// MaxRecordSize bounds a single ReadSized/WriteSized record.
const MaxRecordSize = 16 << 20 // 16 MiB

// ReadAll loops Read until buf is full, EOF, or an error. It returns the
// total bytes read; a return below len(buf) with a nil error means EOF
// was reached (total may be 0).
func ReadAll(l Layer, buf []byte, offset int64) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := l.Read(buf[total:], offset+int64(total))
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}

// WriteAll loops Write until all of buf is written or an error occurs.
func WriteAll(l Layer, buf []byte, offset int64) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := l.Write(buf[total:], offset+int64(total))
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, io.ErrShortWrite
		}
	}
	return total, nil
}

// ReadSized reads a 4-byte big-endian length prefix at offset followed by
// that many bytes, returning the decoded payload.
func ReadSized(l Layer, offset int64) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := ReadAll(l, lenBuf[:], offset); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	if size > MaxRecordSize {
		return nil, NewStackError("ReadSized", "record size %d exceeds max %d", size, MaxRecordSize)
	}
	buf := make([]byte, size)
	if _, err := ReadAll(l, buf, offset+4); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteSized writes data as a 4-byte big-endian length prefix followed by
// the bytes themselves, returning the total on-disk size of the record.
func WriteSized(l Layer, offset int64, data []byte) (int64, error) {
	if len(data) > MaxRecordSize {
		return 0, NewStackError("WriteSized", "record size %d exceeds max %d", len(data), MaxRecordSize)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := WriteAll(l, lenBuf[:], offset); err != nil {
		return 0, err
	}
	if _, err := WriteAll(l, data, offset+4); err != nil {
		return 0, err
	}
	return int64(4 + len(data)), nil
}

// ReadUint32 / WriteUint32 / ReadUint64 / WriteUint64 read and write
// fixed-width big-endian integers at a byte offset, the framing primitive
// used for AEAD sequence numbers and LZ4 trailers/index entries.

func ReadUint32(l Layer, offset int64) (uint32, error) {
	var buf [4]byte
	if _, err := ReadAll(l, buf[:], offset); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func WriteUint32(l Layer, offset int64, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := WriteAll(l, buf[:], offset)
	return err
}

func ReadUint64(l Layer, offset int64) (uint64, error) {
	var buf [8]byte
	if _, err := ReadAll(l, buf[:], offset); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

func WriteUint64(l Layer, offset int64, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	_, err := WriteAll(l, buf[:], offset)
	return err
}

// CopySlice copies n bytes from src (starting at srcOff) to dst (starting
// at dstOff) in chunks no larger than the larger of the two layers'
// exposed block sizes, so the copy respects whichever side is block-
// aligned-only.
func CopySlice(src Layer, srcOff int64, n int64, dst Layer, dstOff int64) error {
	chunk := src.BlockSize()
	if dst.BlockSize() > chunk {
		chunk = dst.BlockSize()
	}
	if chunk <= 0 {
		chunk = 1
	}
	buf := make([]byte, chunk)
	for n > 0 {
		want := int64(chunk)
		if want > n {
			want = n
		}
		read, err := ReadAll(src, buf[:want], srcOff)
		if err != nil {
			return err
		}
		if read == 0 {
			break
		}
		if _, err := WriteAll(dst, buf[:read], dstOff); err != nil {
			return err
		}
		srcOff += int64(read)
		dstOff += int64(read)
		n -= int64(read)
	}
	return nil
}
