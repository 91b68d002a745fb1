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

// Package cfg is the YAML/viper-backed configuration surface: logging and
// the default I/O stack selection used by cmd/iostackctl and by callers
// that don't build a custom prototype registry of their own.
package cfg

// Config is the top-level, file-loadable configuration.
type Config struct {
	AppName string        `yaml:"app-name" mapstructure:"app-name"`
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
	Stack   StackConfig   `yaml:"stack" mapstructure:"stack"`
}

// LoggingConfig configures internal/logger.InitLogFile.
type LoggingConfig struct {
	Severity  LogSeverity            `yaml:"severity" mapstructure:"severity"`
	FilePath  ResolvedPath           `yaml:"file-path" mapstructure:"file-path"`
	Format    string                 `yaml:"format" mapstructure:"format"`
	LogRotate LogRotateLoggingConfig `yaml:"log-rotate" mapstructure:"log-rotate"`
}

// LogRotateLoggingConfig mirrors config.LogRotateConfig but lives in the
// YAML-decodable config tree.
type LogRotateLoggingConfig struct {
	BackupFileCount int  `yaml:"backup-file-count" mapstructure:"backup-file-count"`
	Compress        bool `yaml:"compress" mapstructure:"compress"`
	MaxFileSizeMb   int  `yaml:"max-file-size-mb" mapstructure:"max-file-size-mb"`
}

// StackConfig picks the default layered stack a facade.Open call without an
// explicit prototype should use: a cipher, a block size, whether to
// interpose the LZ4 layer above the AEAD layer, and the process-wide quota
// charged against files opened with O_TEMP_LIMIT.
type StackConfig struct {
	Cipher         Cipher `yaml:"cipher" mapstructure:"cipher"`
	BlockSizeBytes int    `yaml:"block-size-bytes" mapstructure:"block-size-bytes"`
	Compress       bool   `yaml:"compress" mapstructure:"compress"`
	TempQuotaBytes int64  `yaml:"temp-quota-bytes" mapstructure:"temp-quota-bytes"`
}
