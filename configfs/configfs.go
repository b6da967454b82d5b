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

// Package configfs models the Linux configfs-tsm pseudo-filesystem and the
// primitive file operations the TSM subsystems are driven with. All higher
// layers perform I/O exclusively through the Client interface so they can
// run against the real kernel tree or an in-memory fake.
package configfs

import (
	"fmt"
	"io/fs"
	"path"
	"strconv"
	"strings"
)

// TsmPrefix is the mount location of the configfs-tsm subsystems.
const TsmPrefix = "/sys/kernel/config/tsm"

// Client abstracts the filesystem operations the TSM protocol needs. The
// method signatures mirror the os package so the Linux implementation is a
// thin passthrough.
type Client interface {
	// MkdirTemp creates a new directory under dir with a name derived from
	// pattern, following os.MkdirTemp semantics, and returns its path.
	MkdirTemp(dir, pattern string) (string, error)
	// Mkdir creates the named directory, failing with fs.ErrExist if it is
	// already present.
	Mkdir(path string) error
	// ReadFile reads the whole contents of the named attribute file.
	ReadFile(name string) ([]byte, error)
	// WriteFile writes data to the named attribute file in a single write.
	WriteFile(name string, contents []byte) error
	// RemoveAll removes the named directory entry.
	RemoveAll(path string) error
	// ReadDir lists the entries of the named directory.
	ReadDir(name string) ([]fs.DirEntry, error)
}

// TsmPath addresses a file in a TSM subsystem: the subsystem directory, an
// entry within it, and optionally an attribute file of that entry.
type TsmPath struct {
	Subsystem string
	Entry     string
	Attribute string
}

func (p *TsmPath) String() string {
	return path.Join(TsmPrefix, p.Subsystem, p.Entry, p.Attribute)
}

// ParseTsmPath decomposes a path under TsmPrefix into its TsmPath form. The
// path must name at least a subsystem.
func ParseTsmPath(filepath string) (*TsmPath, error) {
	p := path.Clean(filepath)
	if !strings.HasPrefix(p, TsmPrefix+"/") {
		return nil, fmt.Errorf("%q does not begin with %q", filepath, TsmPrefix+"/")
	}
	rest := strings.TrimPrefix(p, TsmPrefix+"/")
	parts := strings.SplitN(rest, "/", 3)
	result := &TsmPath{Subsystem: parts[0]}
	if len(parts) > 1 {
		result.Entry = parts[1]
	}
	if len(parts) > 2 {
		result.Attribute = parts[2]
	}
	return result, nil
}

// Kstrtouint parses textual unsigned integers the way the kernel's
// kstrtouint does: an optional "0x"/"0X" prefix selects base 16 when base
// is 0, and a single trailing newline is tolerated.
func Kstrtouint(data []byte, base, bitSize int) (uint64, error) {
	s := strings.TrimSuffix(string(data), "\n")
	return strconv.ParseUint(s, base, bitSize)
}

// ReadUint64 reads an attribute file holding a textual counter, such as a
// report entry's generation attribute.
func ReadUint64(client Client, p string) (uint64, error) {
	data, err := client.ReadFile(p)
	if err != nil {
		return 0, fmt.Errorf("could not read %q: %w", p, err)
	}
	value, err := Kstrtouint(data, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed counter file %q: %w", p, err)
	}
	return value, nil
}
