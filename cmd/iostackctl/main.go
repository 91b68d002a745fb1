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

// Command iostackctl drives a single file through a chosen layered stack
// (create/write/read/verify), giving the cfg/viper/cobra configuration
// surface and the domain stack something real to exercise end-to-end.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/precision-software/iostack/cfg"
	"github.com/precision-software/iostack/internal/config"
	"github.com/precision-software/iostack/internal/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	root := &cobra.Command{
		Use:           "iostackctl",
		Short:         "Exercise the layered block I/O stack from the command line.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cfgFile != "" {
				v.SetConfigFile(cfgFile)
				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("reading config file: %w", err)
				}
			}
			c, err := cfg.Decode(v)
			if err != nil {
				return err
			}
			if err := logger.InitLogFile(config.LogConfig{
				Severity: string(c.Logging.Severity),
				File:     string(c.Logging.FilePath),
				LogRotateConfig: config.LogRotateConfig{
					MaxFileSizeMB:   c.Logging.LogRotate.MaxFileSizeMb,
					BackupFileCount: c.Logging.LogRotate.BackupFileCount,
					Compress:        c.Logging.LogRotate.Compress,
				},
			}, c.Logging); err != nil {
				return err
			}
			logger.SetLogFormat(c.Logging.Format)
			cmd.SetContext(withConfig(cmd.Context(), c))
			return nil
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to a YAML config file.")
	if err := cfg.BindFlags(root.PersistentFlags(), v); err != nil {
		panic(err)
	}

	root.AddCommand(newCreateCmd(), newWriteCmd(), newReadCmd(), newVerifyCmd())
	return root
}
