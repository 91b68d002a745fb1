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

package aead_test

import (
	"testing"

	"github.com/precision-software/iostack"
	"github.com/precision-software/iostack/internal/hostfile"
	"github.com/precision-software/iostack/internal/hostfile/osfile"
	"github.com/precision-software/iostack/iostack/aead"
	"github.com/precision-software/iostack/iostack/raw"
	"github.com/stretchr/testify/require"
)

type fixedKeys struct{ key []byte }

func (f fixedKeys) SessionKey() ([]byte, error)   { return f.key, nil }
func (f fixedKeys) PermanentKey() ([]byte, error) { return f.key, nil }

var _ hostfile.KeyProvider = fixedKeys{}

func testKeys() hostfile.KeyProvider {
	return fixedKeys{key: []byte("0123456789abcdef0123456789abcdef")}
}

func openAEAD(t *testing.T, path string, blockSize int, flags iostack.OpenFlag, seq hostfile.SequenceGenerator) (iostack.Layer, error) {
	t.Helper()
	rawProto := raw.NewPrototype(osfile.Opener{})
	proto := aead.NewPrototype(rawProto, blockSize, testKeys(), seq, false)
	return proto.Open(path, flags, 0o600)
}

func TestAEADRoundTripSingleFullBlock(t *testing.T) {
	path := t.TempDir() + "/f"
	seq := &osfile.AtomicSequence{}
	l, err := openAEAD(t, path, 16, iostack.O_RDWR|iostack.O_CREATE, seq)
	require.NoError(t, err)

	plain := []byte("0123456789abcdef") // exactly one block
	n, err := l.Write(plain, 0)
	require.NoError(t, err)
	require.Equal(t, 16, n)
	require.NoError(t, l.Close())

	l2, err := openAEAD(t, path, 16, iostack.O_RDONLY, seq)
	require.NoError(t, err)
	size, err := l2.Size()
	require.NoError(t, err)
	require.EqualValues(t, 16, size)

	got := make([]byte, 16)
	n, err = l2.Read(got, 0)
	require.NoError(t, err)
	require.Equal(t, plain, got[:n])
	require.NoError(t, l2.Close())
}

func TestAEADTerminatorOnPartialFinalBlock(t *testing.T) {
	path := t.TempDir() + "/f"
	seq := &osfile.AtomicSequence{}
	l, err := openAEAD(t, path, 16, iostack.O_RDWR|iostack.O_CREATE, seq)
	require.NoError(t, err)

	_, err = l.Write([]byte("0123456789abcdef"), 0) // full block
	require.NoError(t, err)
	_, err = l.Write([]byte("xyz"), 16) // short final block
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l2, err := openAEAD(t, path, 16, iostack.O_RDONLY, seq)
	require.NoError(t, err)
	size, err := l2.Size()
	require.NoError(t, err)
	require.EqualValues(t, 19, size)
	require.NoError(t, l2.Close())
}

func TestAEADTerminatorRecordWrittenOnExactBlockClose(t *testing.T) {
	path := t.TempDir() + "/f"
	seq := &osfile.AtomicSequence{}
	l, err := openAEAD(t, path, 16, iostack.O_RDWR|iostack.O_CREATE, seq)
	require.NoError(t, err)

	_, err = l.Write([]byte("0123456789abcdef"), 0)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	// recordSize = 16 + 8 + 16 = 40; one full block plus a zero-length
	// terminator record (8+16=24 bytes) must be on disk, not an exact
	// multiple of 40.
	raw2, err := raw.NewPrototype(osfile.Opener{}).Open(path, iostack.O_RDONLY, 0)
	require.NoError(t, err)
	onDiskSize, err := raw2.Size()
	require.NoError(t, err)
	require.EqualValues(t, 40+24, onDiskSize)
	require.NotZero(t, onDiskSize%40)
	require.NoError(t, raw2.Close())
}

func TestAEADRejectsMisalignedOffset(t *testing.T) {
	path := t.TempDir() + "/f"
	seq := &osfile.AtomicSequence{}
	l, err := openAEAD(t, path, 16, iostack.O_RDWR|iostack.O_CREATE, seq)
	require.NoError(t, err)

	_, err = l.Write([]byte("x"), 3)
	require.Error(t, err)
	require.True(t, iostack.IsLogic(err))
}

func TestAEADTamperedCiphertextFailsAuthentication(t *testing.T) {
	path := t.TempDir() + "/f"
	seq := &osfile.AtomicSequence{}
	l, err := openAEAD(t, path, 16, iostack.O_RDWR|iostack.O_CREATE, seq)
	require.NoError(t, err)
	_, err = l.Write([]byte("0123456789abcdef"), 0)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	raw2, err := raw.NewPrototype(osfile.Opener{}).Open(path, iostack.O_RDWR, 0)
	require.NoError(t, err)
	_, err = raw2.Write([]byte{0xff}, 0)
	require.NoError(t, err)
	require.NoError(t, raw2.Close())

	// The open-time integrity check only verifies the trailing record, so
	// the tampered first block surfaces its authentication failure on read.
	l2, err := openAEAD(t, path, 16, iostack.O_RDONLY, seq)
	require.NoError(t, err)
	buf := make([]byte, 16)
	_, err = l2.Read(buf, 0)
	require.Error(t, err)
	require.True(t, iostack.IsLogic(err))
}

func TestAEADResizeTruncateToBlockBoundary(t *testing.T) {
	path := t.TempDir() + "/f"
	seq := &osfile.AtomicSequence{}
	l, err := openAEAD(t, path, 16, iostack.O_RDWR|iostack.O_CREATE, seq)
	require.NoError(t, err)

	_, err = l.Write([]byte("0123456789abcdef"), 0)
	require.NoError(t, err)
	_, err = l.Write([]byte("0123456789abcdef"), 16)
	require.NoError(t, err)
	require.NoError(t, l.Resize(16))

	size, err := l.Size()
	require.NoError(t, err)
	require.EqualValues(t, 16, size)
	require.NoError(t, l.Close())

	raw2, err := raw.NewPrototype(osfile.Opener{}).Open(path, iostack.O_RDONLY, 0)
	require.NoError(t, err)
	onDiskSize, err := raw2.Size()
	require.NoError(t, err)
	require.NotZero(t, onDiskSize%40, "truncating to a block boundary must still leave a terminator on disk")
	require.NoError(t, raw2.Close())

	l2, err := openAEAD(t, path, 16, iostack.O_RDONLY, seq)
	require.NoError(t, err)
	got := make([]byte, 16)
	n, err := l2.Read(got, 0)
	require.NoError(t, err)
	require.Equal(t, "0123456789abcdef", string(got[:n]))
	require.NoError(t, l2.Close())
}

func TestAEADResizeTruncateMidBlockDoesNotResurrectOnReopen(t *testing.T) {
	path := t.TempDir() + "/f"
	seq := &osfile.AtomicSequence{}
	l, err := openAEAD(t, path, 16, iostack.O_RDWR|iostack.O_CREATE, seq)
	require.NoError(t, err)

	_, err = l.Write([]byte("0123456789abcdef"), 0)
	require.NoError(t, err)
	_, err = l.Write([]byte("0123456789abcdef"), 16)
	require.NoError(t, err)
	// 10 lands inside the first block, so this is the straddling-block
	// path rather than a block-aligned truncate.
	require.NoError(t, l.Resize(10))
	require.NoError(t, l.Close())

	l2, err := openAEAD(t, path, 16, iostack.O_RDONLY, seq)
	require.NoError(t, err)
	size, err := l2.Size()
	require.NoError(t, err)
	require.EqualValues(t, 10, size, "reopening after a mid-block truncate must not resurrect the dropped tail")

	got := make([]byte, 10)
	n, err := l2.Read(got, 0)
	require.NoError(t, err)
	require.Equal(t, "0123456789", string(got[:n]))
	require.NoError(t, l2.Close())
}

func TestAEADResizeExtendZeroFills(t *testing.T) {
	path := t.TempDir() + "/f"
	seq := &osfile.AtomicSequence{}
	l, err := openAEAD(t, path, 16, iostack.O_RDWR|iostack.O_CREATE, seq)
	require.NoError(t, err)

	_, err = l.Write([]byte("hello"), 0)
	require.NoError(t, err)
	require.NoError(t, l.Resize(20))

	want := make([]byte, 16)
	copy(want, "hello")

	got := make([]byte, 16)
	n, err := l.Read(got, 0)
	require.NoError(t, err)
	require.Equal(t, want, got[:n])
	require.NoError(t, l.Close())
}
