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

// Package report drives the configfs-tsm report subsystem to produce
// signed attestation quotes.
//
// The subsystem is a shared kernel resource: any report request from any
// process advances a generation counter visible to everyone. A quote is
// only trustworthy if the counter did not move between the moment the
// input was submitted and the moment the quote was read, so every read is
// bracketed by generation samples and re-submitted on mismatch, up to a
// bounded number of attempts.
package report

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/openpcc/configfs-tsm/configfs"
)

const (
	subsystem     = "report"
	subsystemPath = configfs.TsmPrefix + "/" + subsystem

	// DefaultMaxAttempts bounds how often a request is re-submitted after
	// the generation counter moved underneath it.
	DefaultMaxAttempts = 10
)

// Privilege is a requested privilege level for report creation. For
// SEV-SNP the level selects the VMPL the report attests.
type Privilege struct {
	Level uint
}

// Request describes one attestation report request.
type Request struct {
	// InBlob is the caller's report data, typically a nonce. Bounded by the
	// provider's input size.
	InBlob []byte
	// Privilege, when set, is negotiated with the firmware before the
	// input is submitted.
	Privilege *Privilege
	// GetAuxBlob requests the provider's auxiliary evidence (certificate
	// material) alongside the quote, for providers that publish it.
	GetAuxBlob bool
	// NameHint, when set, prefixes the generated report entry name.
	NameHint string
	// AcceptedProviders, when non-empty, restricts which attestation
	// backends the request may be served by.
	AcceptedProviders []string
	// MaxAttempts overrides DefaultMaxAttempts when positive.
	MaxAttempts int
}

// Response is the outcome of a successful report request.
type Response struct {
	// Provider identifies the attestation backend that signed the quote.
	Provider string
	// OutBlob is the signed quote.
	OutBlob []byte
	// AuxBlob is the provider's auxiliary evidence, nil unless requested
	// and published by the provider.
	AuxBlob []byte
	// PrivLevel is the privilege level the quote was created at.
	PrivLevel uint
	// PrivClamped is true when the firmware floor exceeded the requested
	// level and PrivLevel was raised to the floor.
	PrivClamped bool
	// Generation is the counter value the quote was verified stable at.
	Generation uint64
}

// OpenReport is a live report entry in the configfs-tsm subtree. It is
// owned by a single goroutine and must be destroyed exactly once; Get and
// the package-level helpers take care of that.
type OpenReport struct {
	InBlob            []byte
	Privilege         *Privilege
	GetAuxBlob        bool
	AcceptedProviders []string
	MaxAttempts       int

	client   configfs.Client
	entry    *configfs.TsmPath
	provider ProviderSpec
}

func (r *OpenReport) attribute(attr string) string {
	a := *r.entry
	a.Attribute = attr
	return a.String()
}

// CreateOpenReport creates a new uniquely-named report entry and reads its
// provider identity. The caller must Destroy the returned report.
func CreateOpenReport(client configfs.Client) (*OpenReport, error) {
	return createOpenReport(client, "")
}

func createOpenReport(client configfs.Client, nameHint string) (*OpenReport, error) {
	pattern := uuid.New().String()
	if nameHint != "" {
		pattern = nameHint + "-*"
	}
	entryPath, err := client.MkdirTemp(subsystemPath, pattern)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}
		return nil, fmt.Errorf("could not create report entry: %w", err)
	}
	p, err := configfs.ParseTsmPath(entryPath)
	if err != nil {
		return nil, err
	}
	r := &OpenReport{
		client: client,
		entry:  &configfs.TsmPath{Subsystem: subsystem, Entry: p.Entry},
	}
	if err := r.initProvider(); err != nil {
		return nil, multierr.Combine(r.Destroy(), err)
	}
	return r, nil
}

// CreateNamedOpenReport creates a report entry with a caller-chosen name.
// Fails with ErrNameCollision if the name is taken; prefer
// CreateOpenReport, whose generated names cannot collide.
func CreateNamedOpenReport(client configfs.Client, name string) (*OpenReport, error) {
	entryPath := path.Join(subsystemPath, name)
	if err := client.Mkdir(entryPath); err != nil {
		switch {
		case errors.Is(err, fs.ErrExist):
			return nil, fmt.Errorf("%w: %q", ErrNameCollision, name)
		case errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}
		return nil, fmt.Errorf("could not create report entry %q: %w", name, err)
	}
	r := &OpenReport{
		client: client,
		entry:  &configfs.TsmPath{Subsystem: subsystem, Entry: name},
	}
	if err := r.initProvider(); err != nil {
		return nil, multierr.Combine(r.Destroy(), err)
	}
	return r, nil
}

func (r *OpenReport) initProvider() error {
	data, err := r.client.ReadFile(r.attribute("provider"))
	if err != nil {
		return fmt.Errorf("could not read report provider: %w", err)
	}
	r.provider = LookupProvider(strings.TrimSpace(string(data)))
	return nil
}

// Create creates a report entry initialized from the request.
func Create(client configfs.Client, req *Request) (*OpenReport, error) {
	r, err := createOpenReport(client, req.NameHint)
	if err != nil {
		return nil, err
	}
	r.InBlob = req.InBlob // InBlob is not a copy.
	r.Privilege = req.Privilege
	r.GetAuxBlob = req.GetAuxBlob
	r.AcceptedProviders = req.AcceptedProviders
	r.MaxAttempts = req.MaxAttempts
	return r, nil
}

// Destroy removes the report entry from the kernel's namespace. It is
// idempotent and safe to defer.
func (r *OpenReport) Destroy() error {
	if r.entry == nil {
		return nil
	}
	if err := r.client.RemoveAll(r.entry.String()); err != nil {
		return fmt.Errorf("could not remove report entry: %w", err)
	}
	r.entry = nil
	return nil
}

// Provider returns the descriptor of the backend serving this entry.
func (r *OpenReport) Provider() ProviderSpec {
	return r.provider
}

// Generation returns the current value of the shared generation counter as
// seen through this entry.
func (r *OpenReport) Generation() (uint64, error) {
	return r.readGeneration()
}

// PrivilegeLevelFloor returns the minimum privilege level the firmware
// will create reports at.
func (r *OpenReport) PrivilegeLevelFloor() (uint, error) {
	p := r.attribute("privlevel_floor")
	data, err := r.client.ReadFile(p)
	if err != nil {
		return 0, fmt.Errorf("could not read %q: %w", p, err)
	}
	floor, err := configfs.Kstrtouint(data, 0, 32)
	if err != nil {
		return 0, &ProtocolError{Attribute: "privlevel_floor", Reason: err.Error()}
	}
	return uint(floor), nil
}

func (r *OpenReport) readGeneration() (uint64, error) {
	p := r.attribute("generation")
	data, err := r.client.ReadFile(p)
	if err != nil {
		return 0, fmt.Errorf("could not read %q: %w", p, err)
	}
	g, err := configfs.Kstrtouint(data, 0, 64)
	if err != nil {
		return 0, &ProtocolError{Attribute: "generation", Reason: err.Error()}
	}
	return g, nil
}

func (r *OpenReport) writeInBlob() error {
	if len(r.InBlob) > r.provider.InBlobMax {
		return &ProtocolError{
			Attribute: "inblob",
			Reason: fmt.Sprintf("input is %d bytes, provider %s takes at most %d",
				len(r.InBlob), r.provider.Name, r.provider.InBlobMax),
		}
	}
	if err := r.client.WriteFile(r.attribute("inblob"), r.InBlob); err != nil {
		return fmt.Errorf("could not write report inblob: %w", err)
	}
	return nil
}

// negotiate writes the requested privilege level and reads back the
// firmware floor. The effective level is max(requested, floor); a clamp is
// reported, never silently applied. Returns ErrPermissionDenied when the
// kernel rejects the write.
func (r *OpenReport) negotiate() (level uint, clamped bool, err error) {
	if r.Privilege == nil {
		return 0, false, nil
	}
	requested := r.Privilege.Level
	if requested > r.provider.MaxPrivLevel {
		return 0, false, &ProtocolError{
			Attribute: "privlevel",
			Reason: fmt.Sprintf("level %d exceeds provider %s maximum %d",
				requested, r.provider.Name, r.provider.MaxPrivLevel),
		}
	}
	if err := r.writePrivLevel(requested); err != nil {
		return 0, false, err
	}
	floor, err := r.PrivilegeLevelFloor()
	if err != nil {
		return 0, false, err
	}
	if floor <= requested {
		return requested, false, nil
	}
	// The firmware will not attest below its floor. Re-write the clamped
	// level so the kernel and the response agree on the attested level.
	if err := r.writePrivLevel(floor); err != nil {
		return 0, false, err
	}
	slog.Warn("requested privilege level clamped to firmware floor",
		"requested", requested, "floor", floor)
	return floor, true, nil
}

func (r *OpenReport) writePrivLevel(level uint) error {
	err := r.client.WriteFile(r.attribute("privlevel"), []byte(strconv.FormatUint(uint64(level), 10)))
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return fmt.Errorf("%w: level %d: %v", ErrPermissionDenied, level, err)
		}
		return fmt.Errorf("could not write report privlevel: %w", err)
	}
	return nil
}

func (r *OpenReport) checkProvider() error {
	if len(r.AcceptedProviders) == 0 {
		return nil
	}
	if !slices.Contains(r.AcceptedProviders, r.provider.Name) {
		return fmt.Errorf("%w: %q", ErrBadProvider, r.provider.Name)
	}
	return nil
}

// Get runs the report protocol until a quote is read under a stable
// generation or the attempt budget is exhausted. The entry is not
// destroyed; callers own that via Destroy, or use the package-level Get.
func (r *OpenReport) Get(ctx context.Context) (*Response, error) {
	if err := r.checkProvider(); err != nil {
		return nil, err
	}
	level, clamped, err := r.negotiate()
	if err != nil {
		return nil, err
	}

	attempts := r.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := r.attempt(ctx)
		if errors.Is(err, errGenerationMoved) {
			slog.Debug("report generation moved, re-submitting",
				"entry", r.entry.Entry, "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, err
		}
		resp.PrivLevel = level
		resp.PrivClamped = clamped
		return resp, nil
	}
	return nil, fmt.Errorf("%w after %d attempts", ErrRaceExceededRetries, attempts)
}

// errGenerationMoved signals that an attempt observed the shared counter
// advancing and the input must be re-submitted.
var errGenerationMoved = errors.New("generation moved during read")

// attemptState tracks one pass of the submit/read/verify protocol.
type attemptState int

const (
	// stateIdle: nothing submitted yet for this attempt.
	stateIdle attemptState = iota
	// stateSubmitted: inblob written, pre-read generation not yet sampled.
	stateSubmitted
	// statePending: generation sampled, evidence not yet read.
	statePending
	// stateVerifying: evidence read, awaiting the post-read sample.
	stateVerifying
	// stateDone: both samples matched, the evidence is bound to the input.
	stateDone
)

// attempt performs one write→read→verify cycle. An I/O or protocol failure
// at any state aborts immediately; only a moved generation asks for a
// retry. Cancellation is honored at every state edge.
func (r *OpenReport) attempt(ctx context.Context) (*Response, error) {
	var (
		preGen, postGen uint64
		resp            = &Response{Provider: r.provider.Name}
		err             error
	)
	for state := stateIdle; ; {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrCancelled, ctxErr)
		}
		switch state {
		case stateIdle:
			if err = r.writeInBlob(); err != nil {
				return nil, err
			}
			state = stateSubmitted
		case stateSubmitted:
			if preGen, err = r.readGeneration(); err != nil {
				return nil, err
			}
			state = statePending
		case statePending:
			if r.GetAuxBlob && r.provider.HasAuxBlob {
				if resp.AuxBlob, err = r.client.ReadFile(r.attribute("auxblob")); err != nil {
					return nil, fmt.Errorf("could not read report auxblob: %w", err)
				}
			}
			if resp.OutBlob, err = r.client.ReadFile(r.attribute("outblob")); err != nil {
				return nil, fmt.Errorf("could not read report outblob: %w", err)
			}
			state = stateVerifying
		case stateVerifying:
			if postGen, err = r.readGeneration(); err != nil {
				return nil, err
			}
			if postGen != preGen {
				return nil, fmt.Errorf("%w: generation was %d, expected %d", errGenerationMoved, postGen, preGen)
			}
			state = stateDone
		case stateDone:
			if len(resp.OutBlob) == 0 {
				// A stable generation with no quote means the firmware
				// refused the request without an errno.
				return nil, &ProtocolError{Attribute: "outblob", Reason: "empty quote"}
			}
			resp.Generation = postGen
			return resp, nil
		}
	}
}

// Get is the one-shot facade: create an entry, run the protocol, and
// always destroy the entry before returning.
func Get(ctx context.Context, client configfs.Client, req *Request) (*Response, error) {
	r, err := Create(client, req)
	if err != nil {
		return nil, err
	}
	resp, err := r.Get(ctx)
	return resp, multierr.Combine(r.Destroy(), err)
}
