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

// Package faketsm emulates the configfs-tsm report subsystem in memory so
// the session protocol can be exercised without TEE hardware, including
// the failure modes that are hard to provoke on a real platform:
// generation races, privilege clamping, and attribute I/O faults.
package faketsm

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/openpcc/configfs-tsm/configfs"
)

// Op identifies the kind of access passed to the OnAccess hook.
type Op string

const (
	OpRead   Op = "read"
	OpWrite  Op = "write"
	OpMkdir  Op = "mkdir"
	OpRemove Op = "remove"
)

// Options configures the emulated backend.
type Options struct {
	// Provider is the value of each entry's provider attribute.
	// Defaults to "fake".
	Provider string
	// PrivLevelFloor is the minimum level the firmware attests at.
	PrivLevelFloor uint
	// MaxPrivLevel bounds accepted privlevel writes. Defaults to 3.
	MaxPrivLevel uint
	// InBlobMax bounds accepted inblob writes. Defaults to 64.
	InBlobMax int
	// HasAuxBlob exposes the auxblob attribute.
	HasAuxBlob bool
	// DenyPrivLevel rejects privlevel writes with fs.ErrPermission,
	// emulating a caller below the requested level.
	DenyPrivLevel bool
	// MakeOutBlob synthesizes the quote for an entry's current input. A
	// nil result emulates firmware refusing the request. Defaults to a
	// deterministic marker derived from the input.
	MakeOutBlob func(inblob []byte, privLevel uint) []byte
	// MakeAuxBlob synthesizes the auxiliary evidence.
	MakeAuxBlob func() []byte
}

type entry struct {
	inblob       []byte
	inblobSet    bool
	privLevel    uint
	privLevelSet bool
}

// Subsystem is an in-memory configfs.Client for the report subsystem. A
// single generation counter is shared by all entries and bumped on every
// attribute write, like the kernel's.
type Subsystem struct {
	// OnAccess, when set, runs before every operation. Returning an error
	// fails the operation with it; the hook may also call Bump to emulate
	// a concurrent consumer advancing the generation counter.
	OnAccess func(op Op, path string) error

	mu         sync.Mutex
	opts       Options
	generation uint64
	entries    map[string]*entry
}

const subsystemPath = configfs.TsmPrefix + "/report"

// New returns an emulated report subsystem.
func New(opts Options) *Subsystem {
	if opts.Provider == "" {
		opts.Provider = "fake"
	}
	if opts.MaxPrivLevel == 0 {
		opts.MaxPrivLevel = 3
	}
	if opts.InBlobMax == 0 {
		opts.InBlobMax = 64
	}
	if opts.MakeOutBlob == nil {
		opts.MakeOutBlob = func(inblob []byte, privLevel uint) []byte {
			return fmt.Appendf(nil, "fake quote level %d over %x", privLevel, inblob)
		}
	}
	if opts.MakeAuxBlob == nil {
		opts.MakeAuxBlob = func() []byte { return []byte("fake certificate table") }
	}
	return &Subsystem{opts: opts, entries: map[string]*entry{}}
}

// Bump advances the shared generation counter, as a report request from
// any other consumer on the system would.
func (s *Subsystem) Bump() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
}

// Generation returns the current counter value.
func (s *Subsystem) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Entries returns the names of the live report entries.
func (s *Subsystem) Entries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	return names
}

func (s *Subsystem) hook(op Op, p string) error {
	if s.OnAccess != nil {
		return s.OnAccess(op, p)
	}
	return nil
}

func (s *Subsystem) parseEntry(p string) (string, string, error) {
	tp, err := configfs.ParseTsmPath(p)
	if err != nil {
		return "", "", err
	}
	if tp.Subsystem != "report" || tp.Entry == "" {
		return "", "", &fs.PathError{Op: "access", Path: p, Err: fs.ErrNotExist}
	}
	return tp.Entry, tp.Attribute, nil
}

// MkdirTemp creates a uniquely named report entry, following os.MkdirTemp
// pattern semantics.
func (s *Subsystem) MkdirTemp(dir, pattern string) (string, error) {
	if err := s.hook(OpMkdir, path.Join(dir, pattern)); err != nil {
		return "", err
	}
	if path.Clean(dir) != subsystemPath {
		return "", &fs.PathError{Op: "mkdir", Path: dir, Err: fs.ErrNotExist}
	}
	prefix, suffix := pattern, ""
	if i := strings.LastIndex(pattern, "*"); i >= 0 {
		prefix, suffix = pattern[:i], pattern[i+1:]
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < 10000; i++ {
		name := prefix + randomSuffix() + suffix
		if _, taken := s.entries[name]; taken {
			continue
		}
		s.entries[name] = &entry{}
		return path.Join(subsystemPath, name), nil
	}
	return "", &fs.PathError{Op: "mkdir", Path: dir, Err: fs.ErrExist}
}

// Mkdir creates a report entry with an exact name.
func (s *Subsystem) Mkdir(p string) error {
	if err := s.hook(OpMkdir, p); err != nil {
		return err
	}
	name, attr, err := s.parseEntry(p)
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
	s.entries[name] = &entry{}
	return nil
}

// ReadFile serves the readable report attributes.
func (s *Subsystem) ReadFile(p string) ([]byte, error) {
	if err := s.hook(OpRead, p); err != nil {
		return nil, err
	}
	name, attr, err := s.parseEntry(p)
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
	case "provider":
		return []byte(s.opts.Provider + "\n"), nil
	case "generation":
		return fmt.Appendf(nil, "%d\n", s.generation), nil
	case "privlevel_floor":
		return fmt.Appendf(nil, "%d\n", s.opts.PrivLevelFloor), nil
	case "outblob":
		if !e.inblobSet {
			return nil, &fs.PathError{Op: "read", Path: p, Err: fs.ErrInvalid}
		}
		return s.opts.MakeOutBlob(e.inblob, s.effectiveLevel(e)), nil
	case "auxblob":
		if !s.opts.HasAuxBlob {
			return nil, &fs.PathError{Op: "read", Path: p, Err: fs.ErrNotExist}
		}
		return s.opts.MakeAuxBlob(), nil
	}
	return nil, &fs.PathError{Op: "read", Path: p, Err: fs.ErrNotExist}
}

func (s *Subsystem) effectiveLevel(e *entry) uint {
	if !e.privLevelSet || e.privLevel < s.opts.PrivLevelFloor {
		return s.opts.PrivLevelFloor
	}
	return e.privLevel
}

// WriteFile serves the writable report attributes, bumping the shared
// generation counter on every accepted write.
func (s *Subsystem) WriteFile(p string, contents []byte) error {
	if err := s.hook(OpWrite, p); err != nil {
		return err
	}
	name, attr, err := s.parseEntry(p)
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
	case "inblob":
		if len(contents) > s.opts.InBlobMax {
			return &fs.PathError{Op: "write", Path: p, Err: fs.ErrInvalid}
		}
		e.inblob = append([]byte(nil), contents...)
		e.inblobSet = true
	case "privlevel":
		if s.opts.DenyPrivLevel {
			return &fs.PathError{Op: "write", Path: p, Err: fs.ErrPermission}
		}
		level, err := configfs.Kstrtouint(contents, 10, 32)
		if err != nil || uint(level) > s.opts.MaxPrivLevel {
			return &fs.PathError{Op: "write", Path: p, Err: fs.ErrInvalid}
		}
		e.privLevel = uint(level)
		e.privLevelSet = true
	default:
		// provider, generation, outblob, auxblob are read-only.
		return &fs.PathError{Op: "write", Path: p, Err: fs.ErrPermission}
	}
	s.generation++
	return nil
}

// RemoveAll removes a report entry.
func (s *Subsystem) RemoveAll(p string) error {
	if err := s.hook(OpRemove, p); err != nil {
		return err
	}
	name, attr, err := s.parseEntry(p)
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

// ReadDir lists the live report entries.
func (s *Subsystem) ReadDir(p string) ([]fs.DirEntry, error) {
	if err := s.hook(OpRead, p); err != nil {
		return nil, err
	}
	if path.Clean(p) != subsystemPath {
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

func randomSuffix() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}

type dirEntry struct {
	name string
}

func (d dirEntry) Name() string               { return d.name }
func (d dirEntry) IsDir() bool                { return true }
func (d dirEntry) Type() fs.FileMode          { return fs.ModeDir }
func (d dirEntry) Info() (fs.FileInfo, error) { return nil, fs.ErrInvalid }
