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

package faketsm

import (
	"crypto/sha512"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"sync"

	"github.com/openpcc/configfs-tsm/configfs"
)

// RTMRs emulates the configfs-tsm rtmrs subsystem. Digest writes extend
// the register the way the hardware does: new = SHA384(old || digest).
type RTMRs struct {
	// NumRegisters bounds the accepted index values. Defaults to 4, the
	// TDX register count.
	NumRegisters int

	mu      sync.Mutex
	entries map[string]*rtmrEntry
}

type rtmrEntry struct {
	index    int
	indexSet bool
	digest   [sha512.Size384]byte
}

const rtmrsPath = configfs.TsmPrefix + "/rtmrs"

// NewRTMRs returns an emulated rtmrs subsystem.
func NewRTMRs() *RTMRs {
	return &RTMRs{NumRegisters: 4, entries: map[string]*rtmrEntry{}}
}

func (s *RTMRs) parse(p string) (string, string, error) {
	tp, err := configfs.ParseTsmPath(p)
	if err != nil {
		return "", "", err
	}
	if tp.Subsystem != "rtmrs" || tp.Entry == "" {
		return "", "", &fs.PathError{Op: "access", Path: p, Err: fs.ErrNotExist}
	}
	return tp.Entry, tp.Attribute, nil
}

// MkdirTemp creates a uniquely named register entry.
func (s *RTMRs) MkdirTemp(dir, pattern string) (string, error) {
	if path.Clean(dir) != rtmrsPath {
		return "", &fs.PathError{Op: "mkdir", Path: dir, Err: fs.ErrNotExist}
	}
	prefix, suffix := pattern, ""
	if i := strings.LastIndex(pattern, "*"); i >= 0 {
		prefix, suffix = pattern[:i], pattern[i+1:]
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		name := prefix + randomSuffix() + suffix
		if _, taken := s.entries[name]; taken {
			continue
		}
		s.entries[name] = &rtmrEntry{}
		return path.Join(rtmrsPath, name), nil
	}
}

// Mkdir creates a register entry with an exact name.
func (s *RTMRs) Mkdir(p string) error {
	name, attr, err := s.parse(p)
	if err != nil {
		return err
	}
	if attr != "" {
		return &fs.PathError{Op: "mkdir", Path: p, Err: fs.ErrInvalid}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.entries[name]; taken {
		return &fs.PathError{Op: "mkdir", Path: p, Err: fs.ErrExist}
	}
	s.entries[name] = &rtmrEntry{}
	return nil
}

// ReadFile serves the readable rtmr attributes.
func (s *RTMRs) ReadFile(p string) ([]byte, error) {
	name, attr, err := s.parse(p)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return nil, &fs.PathError{Op: "read", Path: p, Err: fs.ErrNotExist}
	}
	switch attr {
	case "index":
		if !e.indexSet {
			return nil, &fs.PathError{Op: "read", Path: p, Err: fs.ErrInvalid}
		}
		return fmt.Appendf(nil, "%d\n", e.index), nil
	case "digest":
		return append([]byte(nil), e.digest[:]...), nil
	case "tcg_map":
		return []byte("sha384:17,18\n"), nil
	}
	return nil, &fs.PathError{Op: "read", Path: p, Err: fs.ErrNotExist}
}

// WriteFile serves the writable rtmr attributes.
func (s *RTMRs) WriteFile(p string, contents []byte) error {
	name, attr, err := s.parse(p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return &fs.PathError{Op: "write", Path: p, Err: fs.ErrNotExist}
	}
	switch attr {
	case "index":
		index, err := configfs.Kstrtouint(contents, 10, 32)
		if err != nil || int(index) >= s.NumRegisters {
			return &fs.PathError{Op: "write", Path: p, Err: fs.ErrInvalid}
		}
		// The kernel binds an entry to its register once.
		if e.indexSet {
			return &fs.PathError{Op: "write", Path: p, Err: fs.ErrPermission}
		}
		e.index = int(index)
		e.indexSet = true
	case "digest":
		if !e.indexSet || len(contents) != sha512.Size384 {
			return &fs.PathError{Op: "write", Path: p, Err: fs.ErrInvalid}
		}
		e.digest = sha512.Sum384(append(e.digest[:], contents...))
	default:
		return &fs.PathError{Op: "write", Path: p, Err: fs.ErrPermission}
	}
	return nil
}

// RemoveAll removes a register entry.
func (s *RTMRs) RemoveAll(p string) error {
	name, attr, err := s.parse(p)
	if err != nil {
		return err
	}
	if attr != "" {
		return &fs.PathError{Op: "remove", Path: p, Err: fs.ErrInvalid}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[name]; !ok {
		return &fs.PathError{Op: "remove", Path: p, Err: fs.ErrNotExist}
	}
	delete(s.entries, name)
	return nil
}

// ReadDir lists the register entries.
func (s *RTMRs) ReadDir(p string) ([]fs.DirEntry, error) {
	if path.Clean(p) != rtmrsPath {
		return nil, &fs.PathError{Op: "readdir", Path: p, Err: fs.ErrNotExist}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]fs.DirEntry, 0, len(s.entries))
	for name := range s.entries {
		entries = append(entries, dirEntry{name: name})
	}
	return entries, nil
}
