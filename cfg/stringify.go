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

package cfg

import (
	"fmt"
	"slices"
	"strings"

	"github.com/precision-software/iostack/internal/util"
)

// Cipher is the datatype for the AEAD cipher selection config key.
type Cipher string

const (
	AES256GCM Cipher = "aes-256-gcm"
)

func (c *Cipher) UnmarshalText(text []byte) error {
	txtStr := string(text)
	cipher := strings.ToLower(txtStr)
	v := []string{string(AES256GCM)}
	if !slices.Contains(v, cipher) {
		return fmt.Errorf("invalid cipher value: %s. It can only accept values in the list: %v", txtStr, v)
	}
	*c = Cipher(cipher)
	return nil
}

// LogSeverity represents the logging severity and can accept the following values
// "TRACE", "DEBUG", "INFO", "WARNING", "ERROR", "OFF"
type LogSeverity string

func (l *LogSeverity) UnmarshalText(text []byte) error {
	textStr := string(text)
	level := strings.ToUpper(textStr)
	v := []string{"TRACE", "DEBUG", "INFO", "WARNING", "ERROR", "OFF"}
	if !slices.Contains(v, level) {
		return fmt.Errorf("invalid logseverity value: %s. It can only assume values in the list: %v", textStr, v)
	}
	*l = LogSeverity(level)
	return nil
}

// ResolvedPath represents a file-path which is resolved to an absolute path
// relative to the process's working directory.
type ResolvedPath string

func (p *ResolvedPath) UnmarshalText(text []byte) error {
	path, err := util.GetResolvedPath(string(text))
	if err != nil {
		return err
	}
	*p = ResolvedPath(path)
	return nil
}
