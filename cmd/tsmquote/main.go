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

// tsmquote generates attestation quotes through the Linux configfs-tsm
// interface.
package main

import (
	"log/slog"
	"os"

	"github.com/openpcc/configfs-tsm/cmd/tsmquote/cmd"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err := cmd.Execute(); err != nil {
		slog.Error("tsmquote failed", "error", err)
		os.Exit(1)
	}
}
