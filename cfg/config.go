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

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// BindFlags registers the command-line flags that mirror Config onto flagSet, and
// binds each one into v so that flag > YAML file > default resolution falls
// out of viper's normal precedence rules.
func BindFlags(flagSet *pflag.FlagSet, v *viper.Viper) error {
	def := GetDefaultLoggingConfig()

	flagSet.String("app-name", "iostackctl", "Name recorded in structured log lines.")
	flagSet.String("logging.severity", string(def.Severity), "Logging severity: TRACE, DEBUG, INFO, WARNING, ERROR, OFF.")
	flagSet.String("logging.file-path", "", "Path to the log file. Empty means log to stderr.")
	flagSet.String("logging.format", "json", "Log line encoding: json or text.")
	flagSet.Int("logging.log-rotate.backup-file-count", def.LogRotate.BackupFileCount, "Number of rotated log files to keep.")
	flagSet.Bool("logging.log-rotate.compress", def.LogRotate.Compress, "Compress rotated log files.")
	flagSet.Int("logging.log-rotate.max-file-size-mb", def.LogRotate.MaxFileSizeMb, "Log file size, in MiB, that triggers rotation.")

	flagSet.String("stack.cipher", string(DefaultCipher), "AEAD cipher used by the encryption layer.")
	flagSet.Int("stack.block-size-bytes", DefaultBlockSizeBytes, "Block size, in bytes, negotiated across the stack.")
	flagSet.Bool("stack.compress", false, "Interpose an LZ4 compression layer above the encryption layer.")
	flagSet.Int64("stack.temp-quota-bytes", 0, "Process-wide byte budget for O_TEMP_LIMIT files; 0 means unlimited.")

	if err := v.BindPFlags(flagSet); err != nil {
		return fmt.Errorf("binding flags: %w", err)
	}
	return nil
}

// Decode unmarshals v's current state (flags, YAML config file, and
// defaults, in viper's usual precedence order) into a Config, applying the
// custom UnmarshalText types via DecodeHook.
func Decode(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c, viper.DecodeHook(DecodeHook())); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return &c, nil
}
