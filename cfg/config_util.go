// Copyright 2024 Google LLC
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

package cfg

// DefaultBlockSizeBytes is the block size used when a Config doesn't name
// one explicitly.
const DefaultBlockSizeBytes = 4096

// IsCompressionEnabled reports whether cfg requests the LZ4 layer between
// the AEAD and buffered layers.
func IsCompressionEnabled(c *Config) bool {
	return c != nil && c.Stack.Compress
}

// EffectiveBlockSize returns c.Stack.BlockSizeBytes, or the default if unset
// or non-positive.
func EffectiveBlockSize(c *Config) int {
	if c == nil || c.Stack.BlockSizeBytes <= 0 {
		return DefaultBlockSizeBytes
	}
	return c.Stack.BlockSizeBytes
}

// TempQuotaBytes returns c.Stack.TempQuotaBytes, or 0 (unlimited) if c is
// nil.
func TempQuotaBytes(c *Config) int64 {
	if c == nil {
		return 0
	}
	return c.Stack.TempQuotaBytes
}
