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
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/openpcc/configfs-tsm/linuxtsm"
	"github.com/openpcc/configfs-tsm/report"
)

func init() {
	rootCmd.AddCommand(reportCmd)

	reportCmd.Flags().String("in", "", "File holding the report data (nonce); zero-filled when omitted")
	reportCmd.Flags().Bool("random", false, "Use a random nonce as report data")
	reportCmd.Flags().Int("size", 64, "Report data size when --in is omitted")
	reportCmd.Flags().String("out", "", "Write the quote to this file instead of hex on stdout")
	reportCmd.Flags().String("aux-out", "", "Write the auxblob to this file (implies fetching it)")
	reportCmd.Flags().Int("privlevel", -1, "Privilege level to request (env: TSMQUOTE_PRIVLEVEL)")
	reportCmd.Flags().StringSlice("provider", nil, "Accepted provider(s), e.g. tdx_guest")
	reportCmd.Flags().String("name-hint", "", "Prefix for the report entry name")
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Request a signed attestation quote",
	Long: `Request a signed quote over caller-supplied report data.

The report data (typically a nonce binding the quote to a challenge) is
read from --in, generated with --random, or zero-filled. The quote is
written as hex to stdout, or raw to --out.`,
	RunE: runReport,
}

func runReport(cmd *cobra.Command, args []string) error {
	inPath, _ := cmd.Flags().GetString("in")
	random, _ := cmd.Flags().GetBool("random")
	size, _ := cmd.Flags().GetInt("size")
	outPath, _ := cmd.Flags().GetString("out")
	auxOutPath, _ := cmd.Flags().GetString("aux-out")
	nameHint, _ := cmd.Flags().GetString("name-hint")

	if cmd.Flags().Changed("privlevel") {
		cfg.PrivLevel, _ = cmd.Flags().GetInt("privlevel")
	}
	if providers, _ := cmd.Flags().GetStringSlice("provider"); len(providers) > 0 {
		cfg.AcceptedProviders = providers
	}

	inBlob, err := reportData(inPath, random, size)
	if err != nil {
		return err
	}

	req := &report.Request{
		InBlob:            inBlob,
		GetAuxBlob:        cfg.GetAuxBlob || auxOutPath != "",
		NameHint:          nameHint,
		AcceptedProviders: cfg.AcceptedProviders,
		MaxAttempts:       cfg.MaxAttempts,
	}
	if cfg.PrivLevel >= 0 {
		req.Privilege = &report.Privilege{Level: uint(cfg.PrivLevel)}
	}

	resp, err := linuxtsm.GetReport(cmd.Context(), req)
	if err != nil {
		return err
	}
	slog.Info("quote generated",
		"provider", resp.Provider,
		"bytes", len(resp.OutBlob),
		"privlevel", resp.PrivLevel,
		"clamped", resp.PrivClamped,
		"generation", resp.Generation)

	if outPath != "" {
		if err := os.WriteFile(outPath, resp.OutBlob, 0o644); err != nil {
			return fmt.Errorf("failed to write quote: %w", err)
		}
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(resp.OutBlob))
	}

	if auxOutPath != "" {
		if resp.AuxBlob == nil {
			slog.Warn("provider publishes no auxblob", "provider", resp.Provider)
		} else if err := os.WriteFile(auxOutPath, resp.AuxBlob, 0o644); err != nil {
			return fmt.Errorf("failed to write auxblob: %w", err)
		}
	}
	return nil
}

func reportData(inPath string, random bool, size int) ([]byte, error) {
	switch {
	case inPath != "":
		data, err := os.ReadFile(inPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read report data: %w", err)
		}
		return data, nil
	case random:
		data := make([]byte, size)
		if _, err := rand.Read(data); err != nil {
			return nil, fmt.Errorf("failed to generate nonce: %w", err)
		}
		slog.Info("generated nonce", "nonce", hex.EncodeToString(data))
		return data, nil
	default:
		return make([]byte, size), nil
	}
}
