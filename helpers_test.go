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

package iostack_test

import (
	"testing"

	"github.com/precision-software/iostack"
	"github.com/precision-software/iostack/internal/hostfile/osfile"
	"github.com/precision-software/iostack/iostack/raw"
	"github.com/stretchr/testify/require"
)

func openTempRaw(t *testing.T) iostack.Layer {
	t.Helper()
	dir := t.TempDir()
	proto := raw.NewPrototype(osfile.Opener{})
	l, err := proto.Open(dir+"/f", iostack.O_RDWR|iostack.O_CREATE, 0o600)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestReadAllWriteAll(t *testing.T) {
	l := openTempRaw(t)
	content := []byte("hello, layered world")

	n, err := iostack.WriteAll(l, content, 0)
	require.NoError(t, err)
	require.Equal(t, len(content), n)

	buf := make([]byte, len(content))
	n, err = iostack.ReadAll(l, buf, 0)
	require.NoError(t, err)
	require.Equal(t, content, buf[:n])
}

func TestReadAllEOFShort(t *testing.T) {
	l := openTempRaw(t)
	_, err := iostack.WriteAll(l, []byte("abc"), 0)
	require.NoError(t, err)

	buf := make([]byte, 10)
	n, err := iostack.ReadAll(l, buf, 0)
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestSizedRecordRoundTrip(t *testing.T) {
	l := openTempRaw(t)
	payload := []byte("a length-prefixed record")

	recordLen, err := iostack.WriteSized(l, 0, payload)
	require.NoError(t, err)
	require.EqualValues(t, 4+len(payload), recordLen)

	got, err := iostack.ReadSized(l, 0)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestUint32Uint64RoundTrip(t *testing.T) {
	l := openTempRaw(t)

	require.NoError(t, iostack.WriteUint32(l, 0, 0xdeadbeef))
	v32, err := iostack.ReadUint32(l, 0)
	require.NoError(t, err)
	require.EqualValues(t, 0xdeadbeef, v32)

	require.NoError(t, iostack.WriteUint64(l, 4, 0x0102030405060708))
	v64, err := iostack.ReadUint64(l, 4)
	require.NoError(t, err)
	require.EqualValues(t, 0x0102030405060708, v64)
}

func TestCopySlice(t *testing.T) {
	src := openTempRaw(t)
	dst := openTempRaw(t)

	content := make([]byte, 10000)
	for i := range content {
		content[i] = byte(i)
	}
	_, err := iostack.WriteAll(src, content, 0)
	require.NoError(t, err)

	require.NoError(t, iostack.CopySlice(src, 0, int64(len(content)), dst, 0))

	got := make([]byte, len(content))
	_, err = iostack.ReadAll(dst, got, 0)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestStackErrorIsLogic(t *testing.T) {
	err := iostack.NewStackError("Test", "boom %d", 7)
	require.True(t, iostack.IsLogic(err))
	require.Contains(t, err.Error(), "boom 7")
}
