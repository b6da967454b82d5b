// Copyright 2025 Nonvolatile Inc. d/b/a Confident Security

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     https://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/openpcc/configfs-tsm/linuxtsm"
	"github.com/openpcc/configfs-tsm/rtmr"
)

func init() {
	rootCmd.AddCommand(extendCmd)

	extendCmd.Flags().Int("rtmr", -1, "RTMR index to extend")
	extendCmd.Flags().String("digest", "", "SHA-384 digest to extend with, hex encoded")
	extendCmd.Flags().String("file", "", "Hash this file with SHA-384 and extend with the result")
}

var extendCmd = &cobra.Command{
	Use:   "extend",
	Short: "Extend a runtime measurement register",
	RunE:  runExtend,
}

func runExtend(cmd *cobra.Command, args []string) error {
	index, _ := cmd.Flags().GetInt("rtmr")
	digestHex, _ := cmd.Flags().GetString("digest")
	filePath, _ := cmd.Flags().GetString("file")

	if index < 0 {
		return errors.New("--rtmr is required")
	}

	var digest []byte
	switch {
	case digestHex != "" && filePath != "":
		return errors.New("--digest and --file are mutually exclusive")
	case digestHex != "":
		var err error
		if digest, err = hex.DecodeString(digestHex); err != nil {
			return fmt.Errorf("invalid digest: %w", err)
		}
	case filePath != "":
		data, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("failed to read %q: %w", filePath, err)
		}
		sum := sha512.Sum384(data)
		digest = sum[:]
	default:
		return errors.New("one of --digest or --file is required")
	}

	client, err := linuxtsm.MakeClient()
	if err != nil {
		return err
	}
	if err := rtmr.ExtendDigest(client, index, digest); err != nil {
		return err
	}
	slog.Info("rtmr extended", "rtmr", index, "digest", hex.EncodeToString(digest))
	return nil
}
