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

// Package rtmr extends runtime measurement registers through the
// configfs-tsm rtmrs subsystem.
package rtmr

import (
	"crypto"
	"fmt"
	"strconv"

	"github.com/openpcc/configfs-tsm/configfs"
)

const (
	subsystem     = "rtmrs"
	subsystemPath = configfs.TsmPrefix + "/" + subsystem
)

// Register is a configfs entry bound to one RTMR index.
type Register struct {
	Index  int
	entry  *configfs.TsmPath
	client configfs.Client
}

// Measurement is the current state of a register.
type Measurement struct {
	Index int
	// Digest is the register's current SHA-384 value.
	Digest []byte
	// TCGMap describes which TPM PCRs the register architecturally maps to.
	TCGMap string
}

func (r *Register) attribute(attr string) string {
	a := *r.entry
	a.Attribute = attr
	return a.String()
}

// The kernel allows a single configfs entry per register index, so reuse
// an existing entry with a matching index before creating one.
func open(client configfs.Client, index int) (*Register, error) {
	if index < 0 {
		return nil, fmt.Errorf("rtmr index %d is negative", index)
	}
	if r := find(client, index); r != nil {
		return r, nil
	}
	entryPath, err := client.MkdirTemp(subsystemPath, fmt.Sprintf("rtmr%d-*", index))
	if err != nil {
		return nil, fmt.Errorf("could not create rtmr entry: %w", err)
	}
	p, err := configfs.ParseTsmPath(entryPath)
	if err != nil {
		return nil, err
	}
	r := &Register{
		Index:  index,
		entry:  &configfs.TsmPath{Subsystem: subsystem, Entry: p.Entry},
		client: client,
	}
	indexPath := r.attribute("index")
	if err := client.WriteFile(indexPath, []byte(strconv.Itoa(index))); err != nil {
		return nil, fmt.Errorf("could not bind %q to rtmr %d: %w", indexPath, index, err)
	}
	return r, nil
}

func find(client configfs.Client, index int) *Register {
	entries, err := client.ReadDir(subsystemPath)
	if err != nil {
		return nil
	}
	for _, d := range entries {
		if !d.IsDir() {
			continue
		}
		r := &Register{
			Index:  index,
			entry:  &configfs.TsmPath{Subsystem: subsystem, Entry: d.Name()},
			client: client,
		}
		got, err := configfs.ReadUint64(client, r.attribute("index"))
		if err == nil && int(got) == index {
			return r
		}
	}
	return nil
}

// ExtendDigest extends the register at the given index with a SHA-384
// digest.
func ExtendDigest(client configfs.Client, index int, digest []byte) error {
	if len(digest) != crypto.SHA384.Size() {
		return fmt.Errorf("rtmr digests are %d bytes, got %d", crypto.SHA384.Size(), len(digest))
	}
	r, err := open(client, index)
	if err != nil {
		return err
	}
	if err := r.client.WriteFile(r.attribute("digest"), digest); err != nil {
		return fmt.Errorf("could not extend rtmr %d: %w", index, err)
	}
	return nil
}

// ReadMeasurement returns the register's current digest and TCG mapping.
func ReadMeasurement(client configfs.Client, index int) (*Measurement, error) {
	r, err := open(client, index)
	if err != nil {
		return nil, err
	}
	digest, err := r.client.ReadFile(r.attribute("digest"))
	if err != nil {
		return nil, fmt.Errorf("could not read rtmr %d digest: %w", index, err)
	}
	tcgMap, err := r.client.ReadFile(r.attribute("tcg_map"))
	if err != nil {
		return nil, fmt.Errorf("could not read rtmr %d tcg_map: %w", index, err)
	}
	return &Measurement{Index: index, Digest: digest, TCGMap: string(tcgMap)}, nil
}
