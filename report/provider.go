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

package report

import (
	sabi "github.com/google/go-sev-guest/abi"
	tabi "github.com/google/go-tdx-guest/abi"
)

// Known values of the provider attribute.
const (
	ProviderTDX    = "tdx_guest"
	ProviderSEVSNP = "sev_guest"
	ProviderFake   = "fake"
)

// ProviderSpec describes the per-backend variability of the report ABI:
// how much report data the inblob takes, whether the backend publishes an
// auxblob, and the range of meaningful privilege levels.
type ProviderSpec struct {
	Name string
	// InBlobMax is the maximum accepted inblob size in bytes.
	InBlobMax int
	// HasAuxBlob is true when the backend exposes certificate material
	// through the auxblob attribute.
	HasAuxBlob bool
	// MaxPrivLevel is the highest meaningful privlevel value. Zero means
	// the backend has a single privilege level.
	MaxPrivLevel uint
}

var providerSpecs = map[string]ProviderSpec{
	// TDX takes 64 bytes of report data and has no privilege levels or
	// certificate auxblob.
	ProviderTDX: {
		Name:      ProviderTDX,
		InBlobMax: tabi.ReportDataSize,
	},
	// SEV-SNP takes 64 bytes of report data, serves VCEK certificates via
	// auxblob, and privlevel selects the VMPL (0-3).
	ProviderSEVSNP: {
		Name:         ProviderSEVSNP,
		InBlobMax:    sabi.ReportDataSize,
		HasAuxBlob:   true,
		MaxPrivLevel: 3,
	},
	// The fake backend used in tests mirrors SEV-SNP's shape.
	ProviderFake: {
		Name:         ProviderFake,
		InBlobMax:    64,
		HasAuxBlob:   true,
		MaxPrivLevel: 3,
	},
}

// LookupProvider returns the descriptor for a provider attribute value.
// Unknown backends get the common 64-byte report data bound with no
// auxblob, so the client still functions on platforms added after this
// set was written.
func LookupProvider(name string) ProviderSpec {
	if spec, ok := providerSpecs[name]; ok {
		return spec
	}
	return ProviderSpec{Name: name, InBlobMax: 64, MaxPrivLevel: 3}
}
