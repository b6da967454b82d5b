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
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/openpcc/configfs-tsm/linuxtsm"
	"github.com/openpcc/configfs-tsm/report"
)

func init() {
	rootCmd.AddCommand(providersCmd)
	rootCmd.AddCommand(versionCmd)
}

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Show the platform's attestation backend",
	Long: `Probe the report subsystem with a short-lived entry and print the
backend identity, its input bound, and the current generation counter.`,
	RunE: runProviders,
}

func runProviders(cmd *cobra.Command, args []string) (err error) {
	client, err := linuxtsm.MakeClient()
	if err != nil {
		return err
	}
	r, err := report.CreateOpenReport(client)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, r.Destroy()) }()

	spec := r.Provider()
	generation, err := r.Generation()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "provider:     %s\n", spec.Name)
	fmt.Fprintf(out, "inblob max:   %d bytes\n", spec.InBlobMax)
	fmt.Fprintf(out, "auxblob:      %t\n", spec.HasAuxBlob)
	fmt.Fprintf(out, "max privlevel: %d\n", spec.MaxPrivLevel)
	fmt.Fprintf(out, "generation:   %d\n", generation)
	return nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the tsmquote version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}
