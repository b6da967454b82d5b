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

// Package linuxtsm implements the configfs client against the real
// /sys/kernel/config/tsm tree.
package linuxtsm

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"

	"github.com/openpcc/configfs-tsm/configfs"
	"github.com/openpcc/configfs-tsm/report"
)

// Client performs configfs-tsm file operations through the os package.
type Client struct{}

// MkdirTemp creates a new uniquely-named directory under dir. Pattern
// semantics follow os.MkdirTemp.
func (*Client) MkdirTemp(dir, pattern string) (string, error) {
	return os.MkdirTemp(dir, pattern)
}

// Mkdir creates the named report entry.
func (*Client) Mkdir(p string) error {
	return os.Mkdir(p, 0o755)
}

// ReadFile reads the named attribute file.
func (*Client) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(name)
}

// WriteFile writes data to the named attribute file. configfs input
// attributes are write-only, so the mode drops the read bits.
func (*Client) WriteFile(name string, contents []byte) error {
	return os.WriteFile(name, contents, 0o220)
}

// RemoveAll removes a report entry. configfs directories reject recursive
// removal, so this is a plain rmdir.
func (*Client) RemoveAll(p string) error {
	return os.Remove(p)
}

// ReadDir lists the entries of the named directory.
func (*Client) ReadDir(name string) ([]fs.DirEntry, error) {
	return os.ReadDir(name)
}

// MakeClient probes for the configfs-tsm report subsystem and returns a
// client for it. Fails with report.ErrProviderUnavailable when the kernel
// does not expose the subsystem, either because configfs is not mounted or
// the platform has no TSM backend.
func MakeClient() (configfs.Client, error) {
	p := path.Join(configfs.TsmPrefix, "report")
	if _, err := os.Stat(p); err != nil {
		return nil, fmt.Errorf("%w: %v", report.ErrProviderUnavailable, err)
	}
	return &Client{}, nil
}

// GetReport is a one-shot report request against the local kernel.
func GetReport(ctx context.Context, req *report.Request) (*report.Response, error) {
	client, err := MakeClient()
	if err != nil {
		return nil, err
	}
	return report.Get(ctx, client, req)
}

// QuoteProvider generates raw quotes through the local report subsystem.
// It matches the shape of the go-sev-guest and go-tdx-guest quote provider
// interfaces so it can slot into code written against those.
type QuoteProvider struct {
	Client configfs.Client
}

// IsSupported reports whether the kernel exposes the report subsystem.
func (p *QuoteProvider) IsSupported() bool {
	if p.Client != nil {
		return true
	}
	client, err := MakeClient()
	if err != nil {
		return false
	}
	p.Client = client
	return true
}

// GetRawQuote returns the raw signed quote for 64 bytes of report data.
func (p *QuoteProvider) GetRawQuote(reportData [64]byte) ([]byte, error) {
	if p.Client == nil {
		client, err := MakeClient()
		if err != nil {
			return nil, err
		}
		p.Client = client
	}
	resp, err := report.Get(context.Background(), p.Client, &report.Request{InBlob: reportData[:]})
	if err != nil {
		return nil, err
	}
	return resp.OutBlob, nil
}
