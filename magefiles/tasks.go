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

//go:build mage

package main

import (
	"github.com/magefile/mage/sh"
)

// Build compiles the tsmquote binary.
func Build() error {
	return sh.RunV("go", "build", "./cmd/tsmquote")
}

// Test runs the full test suite.
func Test() error {
	return sh.RunV("go", "test", "./...")
}

// Install installs tsmquote into GOBIN.
func Install() error {
	return sh.RunV("go", "install", "./cmd/tsmquote")
}

// Quote builds and runs tsmquote against the local kernel.
func Quote() error {
	return sh.RunV("go", "run", "./cmd/tsmquote", "report")
}
