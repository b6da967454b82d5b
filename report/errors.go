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
	"errors"
	"fmt"
)

var (
	// ErrProviderUnavailable indicates the kernel does not expose the
	// configfs-tsm report subsystem, because configfs is not mounted or the
	// platform has no TSM backend.
	ErrProviderUnavailable = errors.New("configfs-tsm report subsystem is not available")
	// ErrNameCollision indicates a caller-chosen report entry name already
	// exists in the subsystem.
	ErrNameCollision = errors.New("report entry name already exists")
	// ErrPermissionDenied indicates the kernel rejected the privilege level
	// write because the caller runs below the requested level.
	ErrPermissionDenied = errors.New("privilege level write rejected")
	// ErrRaceExceededRetries indicates the generation counter kept moving
	// between the bracketing reads for every allowed attempt. Concurrent
	// report consumers were interfering; the request may be retried.
	ErrRaceExceededRetries = errors.New("report generation did not stabilize")
	// ErrCancelled indicates the caller aborted the request before a stable
	// quote was read. The report entry is still destroyed.
	ErrCancelled = errors.New("report request cancelled")
	// ErrBadProvider indicates the platform's attestation backend is not in
	// the request's accepted set.
	ErrBadProvider = errors.New("report provider not accepted")
)

// ProtocolError indicates the caller or the kernel violated the report
// ABI: oversize input, malformed counter content, or an empty quote.
type ProtocolError struct {
	// Attribute is the report attribute involved, e.g. "inblob".
	Attribute string
	// Reason describes the violation.
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("report protocol violation on %q: %s", e.Attribute, e.Reason)
}
