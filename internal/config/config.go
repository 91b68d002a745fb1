// Copyright 2023 Google Inc. All Rights Reserved.
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

// Package config holds the legacy, flag-era logging configuration that
// internal/logger accepts alongside the newer cfg.LoggingConfig, and the
// severity-level vocabulary shared by both.
package config

const (
	// Logging-level constants.

	TRACE   string = "TRACE"
	DEBUG   string = "DEBUG"
	INFO    string = "INFO"
	WARNING string = "WARNING"
	ERROR   string = "ERROR"
	OFF     string = "OFF"
)

// LogRotateConfig controls rotation of the on-disk log file.
type LogRotateConfig struct {
	MaxFileSizeMB   int
	BackupFileCount int
	Compress        bool
}

// DefaultLogRotateConfig returns the rotation policy used before any
// configuration file has been parsed.
func DefaultLogRotateConfig() LogRotateConfig {
	return LogRotateConfig{
		MaxFileSizeMB:   512,
		BackupFileCount: 10,
		Compress:        true,
	}
}

// LogConfig is the flag-driven logging configuration, kept distinct from
// cfg.LoggingConfig (the YAML/viper-driven one) so that InitLogFile can
// reconcile a command-line flag value with a config-file value the same
// way the rest of the flag-to-config migration in this repo does.
type LogConfig struct {
	Severity        string
	File            string
	Format          string
	LogRotateConfig LogRotateConfig
}
