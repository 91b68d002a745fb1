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

package main

import (
	"bytes"
	"fmt"
	"os"

	"github.com/jacobsa/timeutil"
	"github.com/spf13/cobra"

	"github.com/precision-software/iostack"
	"github.com/precision-software/iostack/file"
	"github.com/precision-software/iostack/internal/hostfile/osfile"
)

func stackFlag(cmd *cobra.Command) iostack.OpenFlag {
	name, _ := cmd.Flags().GetString("stack")
	switch name {
	case "raw":
		return iostack.O_RAW
	case "encrypt":
		return iostack.O_ENCRYPT
	case "encrypt-perm":
		return iostack.O_ENCRYPT_PERM
	default:
		return iostack.O_PLAIN
	}
}

func addCommonFlags(cmd *cobra.Command) {
	cmd.Flags().String("stack", "plain", "Stack selector: raw, plain, encrypt, encrypt-perm.")
	cmd.Flags().String("key", "iostackctl-demo-key", "Passphrase the demo KeyProvider derives a key from.")
}

// addTempLimitFlag wires --temp-limit into the O_TEMP_LIMIT facade flag,
// so growth through this command is charged against the registry's quota
// accountant (see cfg's stack.temp-quota-bytes).
func addTempLimitFlag(cmd *cobra.Command) {
	cmd.Flags().Bool("temp-limit", false, "Charge file growth against the process-wide temp-file quota.")
}

func tempLimitFlag(cmd *cobra.Command) iostack.OpenFlag {
	if limited, _ := cmd.Flags().GetBool("temp-limit"); limited {
		return iostack.O_TEMP_LIMIT
	}
	return 0
}

func newCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <path>",
		Short: "Create an empty file through the selected stack.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := configFromContext(cmd.Context())
			passphrase, _ := cmd.Flags().GetString("key")
			reg := buildRegistry(c, passphrase)

			f, err := file.Open(reg, args[0], stackFlag(cmd)|tempLimitFlag(cmd)|iostack.O_RDWR|iostack.O_CREATE, 0o600, nil, osfile.Opener{}, timeutil.RealClock())
			if err != nil {
				return err
			}
			return f.Close()
		},
	}
	addCommonFlags(cmd)
	addTempLimitFlag(cmd)
	return cmd
}

func newWriteCmd() *cobra.Command {
	var size int64
	var seed int64
	cmd := &cobra.Command{
		Use:   "write <path>",
		Short: "Write a deterministic pseudo-random content stream of the given size.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := configFromContext(cmd.Context())
			passphrase, _ := cmd.Flags().GetString("key")
			reg := buildRegistry(c, passphrase)

			f, err := file.Open(reg, args[0], stackFlag(cmd)|tempLimitFlag(cmd)|iostack.O_RDWR|iostack.O_CREATE, 0o600, nil, osfile.Opener{}, timeutil.RealClock())
			if err != nil {
				return err
			}
			defer f.Close()

			const chunk = 1 << 16
			buf := make([]byte, chunk)
			var written int64
			for written < size {
				n := int64(chunk)
				if remaining := size - written; remaining < n {
					n = remaining
				}
				deterministicContent(buf[:n], seed, written)
				if _, err := f.WriteSeq(buf[:n]); err != nil {
					return err
				}
				written += n
			}
			return f.Sync()
		},
	}
	addCommonFlags(cmd)
	addTempLimitFlag(cmd)
	cmd.Flags().Int64Var(&size, "size", 0, "Number of bytes to write.")
	cmd.Flags().Int64Var(&seed, "seed", 1, "PRNG seed shared with verify.")
	return cmd
}

func newReadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "read <path>",
		Short: "Read the file sequentially and report its size.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := configFromContext(cmd.Context())
			passphrase, _ := cmd.Flags().GetString("key")
			reg := buildRegistry(c, passphrase)

			f, err := file.Open(reg, args[0], stackFlag(cmd)|iostack.O_RDONLY, 0, nil, osfile.Opener{}, timeutil.RealClock())
			if err != nil {
				return err
			}
			defer f.Close()

			var total int64
			buf := make([]byte, 1<<16)
			for {
				n, err := f.ReadSeq(buf)
				total += int64(n)
				if n == 0 {
					break
				}
				if err != nil {
					return err
				}
			}
			fmt.Fprintf(os.Stdout, "%s: %d bytes\n", args[0], total)
			return nil
		},
	}
	addCommonFlags(cmd)
	return cmd
}

func newVerifyCmd() *cobra.Command {
	var seed int64
	cmd := &cobra.Command{
		Use:   "verify <path>",
		Short: "Check file content against the deterministic PRNG sequence used by write.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := configFromContext(cmd.Context())
			passphrase, _ := cmd.Flags().GetString("key")
			reg := buildRegistry(c, passphrase)

			f, err := file.Open(reg, args[0], stackFlag(cmd)|iostack.O_RDONLY, 0, nil, osfile.Opener{}, timeutil.RealClock())
			if err != nil {
				return err
			}
			defer f.Close()

			const chunk = 1 << 16
			got := make([]byte, chunk)
			want := make([]byte, chunk)
			var offset int64
			for {
				n, err := f.ReadSeq(got)
				if n == 0 {
					break
				}
				if err != nil {
					return err
				}
				deterministicContent(want[:n], seed, offset)
				if !bytes.Equal(got[:n], want[:n]) {
					return fmt.Errorf("verify: mismatch at offset %d", offset)
				}
				offset += int64(n)
			}
			fmt.Fprintf(os.Stdout, "%s: OK (%d bytes verified)\n", args[0], offset)
			return nil
		},
	}
	addCommonFlags(cmd)
	cmd.Flags().Int64Var(&seed, "seed", 1, "PRNG seed shared with write.")
	return cmd
}
