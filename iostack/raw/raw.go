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

// Package raw is the bottom of every stack: it wraps a hostfile.Descriptor
// and presents it as a byte-granular iostack.Layer, the only layer with no
// successor of its own.
package raw

import (
	"os"

	"github.com/precision-software/iostack"
	"github.com/precision-software/iostack/internal/hostfile"
)

// growByWriteThreshold is the largest grow-by-zero-fill the raw layer will
// do with an explicit zero write before switching to Fallocate.
const growByWriteThreshold = 64 * 1024

// Prototype configures the raw layer: which hostfile.Opener to use and
// the POSIX flags/mode translation for Open.
type Prototype struct {
	Opener hostfile.Opener
}

// NewPrototype returns a raw-layer prototype backed by opener.
func NewPrototype(opener hostfile.Opener) *Prototype {
	return &Prototype{Opener: opener}
}

func (p *Prototype) Open(path string, flags iostack.OpenFlag, mode os.FileMode) (iostack.Layer, error) {
	osFlags := os.O_RDONLY
	switch {
	case flags.Has(iostack.O_RDWR):
		osFlags = os.O_RDWR
	case flags.Has(iostack.O_WRONLY):
		osFlags = os.O_WRONLY
	}
	if flags.Has(iostack.O_CREATE) {
		osFlags |= os.O_CREATE
	}
	if flags.Has(iostack.O_APPEND) {
		osFlags |= os.O_APPEND
	}

	d, err := p.Opener.Open(path, osFlags, mode)
	l := &Layer{opener: p.Opener, path: path}
	l.SetBlockSize(1)
	if err != nil {
		l.SetErr(err)
		return l, err
	}
	l.desc = d
	size, err := d.Size()
	if err != nil {
		l.SetErr(err)
		return l, err
	}
	l.size = size
	return l, nil
}

// Layer is the opened raw instance.
type Layer struct {
	iostack.Header
	opener hostfile.Opener
	path   string
	desc   hostfile.Descriptor
	size   int64
}

func (l *Layer) Read(buf []byte, offset int64) (int, error) {
	if l.desc == nil {
		return 0, l.Err()
	}
	if offset >= l.size {
		l.SetEOF(true)
		return 0, nil
	}
	n, err := l.desc.ReadAt(buf, offset)
	if err != nil {
		l.SetErr(err)
		return n, err
	}
	l.SetEOF(n == 0)
	return n, nil
}

func (l *Layer) Write(buf []byte, offset int64) (int, error) {
	if l.desc == nil {
		return 0, l.Err()
	}
	n, err := l.desc.WriteAt(buf, offset)
	if err != nil {
		l.SetErr(err)
		return n, err
	}
	if end := offset + int64(n); end > l.size {
		l.size = end
	}
	return n, nil
}

func (l *Layer) Sync() error {
	if l.desc == nil {
		return l.Err()
	}
	if err := l.desc.Sync(); err != nil {
		l.SetErr(err)
		return err
	}
	return nil
}

func (l *Layer) Size() (int64, error) {
	if l.desc == nil {
		return 0, l.Err()
	}
	return l.size, nil
}

// Resize truncates or extends the underlying file. Growth up to
// growByWriteThreshold is realized with an explicit zero-fill write (cheap
// and portable); larger growth uses Fallocate to avoid materializing the
// zeros in a single write.
func (l *Layer) Resize(newSize int64) error {
	if l.desc == nil {
		return l.Err()
	}
	switch {
	case newSize < l.size:
		if err := l.desc.Truncate(newSize); err != nil {
			l.SetErr(err)
			return err
		}
	case newSize > l.size:
		grow := newSize - l.size
		if grow <= growByWriteThreshold {
			zeros := make([]byte, grow)
			if _, err := l.desc.WriteAt(zeros, l.size); err != nil {
				l.SetErr(err)
				return err
			}
		} else if err := l.desc.Fallocate(l.size, grow); err != nil {
			l.SetErr(err)
			return err
		}
	default:
		return nil
	}
	l.size = newSize
	return nil
}

func (l *Layer) Close() error {
	if l.desc == nil {
		return l.Err()
	}
	err := l.desc.Close()
	if err != nil {
		l.SetErr(err)
	}
	return err
}
