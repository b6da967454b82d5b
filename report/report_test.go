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

package report_test

import (
	"context"
	"io/fs"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpcc/configfs-tsm/faketsm"
	"github.com/openpcc/configfs-tsm/inttest"
	"github.com/openpcc/configfs-tsm/report"
)

func TestGetSuccess(t *testing.T) {
	inttest.WrapLog(t)
	fake := faketsm.New(faketsm.Options{
		PrivLevelFloor: 1,
		HasAuxBlob:     true,
	})

	nonce := make([]byte, 64)
	nonce[0] = 0xaa
	resp, err := report.Get(context.Background(), fake, &report.Request{
		InBlob:     nonce,
		Privilege:  &report.Privilege{Level: 2},
		GetAuxBlob: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "fake", resp.Provider)
	assert.NotEmpty(t, resp.OutBlob)
	assert.Contains(t, string(resp.OutBlob), "level 2")
	assert.Equal(t, []byte("fake certificate table"), resp.AuxBlob)
	assert.Equal(t, uint(2), resp.PrivLevel)
	assert.False(t, resp.PrivClamped)
	assert.Equal(t, fake.Generation(), resp.Generation)

	assert.Empty(t, fake.Entries(), "report entry must be removed after success")
}

func TestGetOversizeInBlob(t *testing.T) {
	fake := faketsm.New(faketsm.Options{})

	_, err := report.Get(context.Background(), fake, &report.Request{
		InBlob: make([]byte, 65),
	})
	var protoErr *report.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, "inblob", protoErr.Attribute)

	assert.Empty(t, fake.Entries(), "report entry must be removed after early failure")
}

func TestGetRetriesOnceOnSingleRace(t *testing.T) {
	inttest.WrapLog(t)
	fake := faketsm.New(faketsm.Options{})

	outblobReads := 0
	fake.OnAccess = func(op faketsm.Op, path string) error {
		if op == faketsm.OpRead && strings.HasSuffix(path, "outblob") {
			outblobReads++
			if outblobReads == 1 {
				// Another consumer's request lands between the bracketing
				// generation reads.
				fake.Bump()
			}
		}
		return nil
	}

	resp, err := report.Get(context.Background(), fake, &report.Request{InBlob: make([]byte, 64)})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.OutBlob)
	assert.Equal(t, 2, outblobReads, "exactly one retry expected")
	assert.Empty(t, fake.Entries())
}

func TestGetRaceExceedsRetries(t *testing.T) {
	inttest.WrapLog(t)
	fake := faketsm.New(faketsm.Options{})

	outblobReads := 0
	fake.OnAccess = func(op faketsm.Op, path string) error {
		if op == faketsm.OpRead && strings.HasSuffix(path, "outblob") {
			outblobReads++
			fake.Bump()
		}
		return nil
	}

	_, err := report.Get(context.Background(), fake, &report.Request{InBlob: make([]byte, 64)})
	require.ErrorIs(t, err, report.ErrRaceExceededRetries)
	assert.Equal(t, report.DefaultMaxAttempts, outblobReads)
	assert.Empty(t, fake.Entries(), "report entry must be removed after exhausted retries")
}

func TestGetRetryBoundOverride(t *testing.T) {
	fake := faketsm.New(faketsm.Options{})

	attempts := 0
	fake.OnAccess = func(op faketsm.Op, path string) error {
		if op == faketsm.OpRead && strings.HasSuffix(path, "outblob") {
			attempts++
			fake.Bump()
		}
		return nil
	}

	_, err := report.Get(context.Background(), fake, &report.Request{
		InBlob:      make([]byte, 64),
		MaxAttempts: 3,
	})
	require.ErrorIs(t, err, report.ErrRaceExceededRetries)
	assert.Equal(t, 3, attempts)
}

func TestPrivilegeClamped(t *testing.T) {
	inttest.WrapLog(t)
	fake := faketsm.New(faketsm.Options{PrivLevelFloor: 2})

	resp, err := report.Get(context.Background(), fake, &report.Request{
		InBlob:    make([]byte, 64),
		Privilege: &report.Privilege{Level: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, uint(2), resp.PrivLevel, "effective level is max(requested, floor)")
	assert.True(t, resp.PrivClamped)
	assert.Empty(t, fake.Entries())
}

func TestPrivilegeDenied(t *testing.T) {
	fake := faketsm.New(faketsm.Options{DenyPrivLevel: true})

	_, err := report.Get(context.Background(), fake, &report.Request{
		InBlob:    make([]byte, 64),
		Privilege: &report.Privilege{Level: 1},
	})
	require.ErrorIs(t, err, report.ErrPermissionDenied)
	assert.Empty(t, fake.Entries())
}

func TestPrivilegeAboveProviderMaximum(t *testing.T) {
	fake := faketsm.New(faketsm.Options{})

	_, err := report.Get(context.Background(), fake, &report.Request{
		InBlob:    make([]byte, 64),
		Privilege: &report.Privilege{Level: 4},
	})
	var protoErr *report.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, "privlevel", protoErr.Attribute)
	assert.Empty(t, fake.Entries())
}

func TestAcceptedProviders(t *testing.T) {
	fake := faketsm.New(faketsm.Options{})

	_, err := report.Get(context.Background(), fake, &report.Request{
		InBlob:            make([]byte, 64),
		AcceptedProviders: []string{report.ProviderTDX, report.ProviderSEVSNP},
	})
	require.ErrorIs(t, err, report.ErrBadProvider)
	assert.Empty(t, fake.Entries())

	resp, err := report.Get(context.Background(), fake, &report.Request{
		InBlob:            make([]byte, 64),
		AcceptedProviders: []string{report.ProviderFake},
	})
	require.NoError(t, err)
	assert.Equal(t, report.ProviderFake, resp.Provider)
}

func TestEmptyOutBlob(t *testing.T) {
	fake := faketsm.New(faketsm.Options{
		MakeOutBlob: func([]byte, uint) []byte { return nil },
	})

	_, err := report.Get(context.Background(), fake, &report.Request{InBlob: make([]byte, 64)})
	var protoErr *report.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, "outblob", protoErr.Attribute)
	assert.Empty(t, fake.Entries())
}

func TestAuxBlobOnlyWhenProviderHasIt(t *testing.T) {
	// Unknown providers carry no auxblob declaration, so none is read even
	// when requested.
	fake := faketsm.New(faketsm.Options{Provider: "mystery_guest"})

	resp, err := report.Get(context.Background(), fake, &report.Request{
		InBlob:     make([]byte, 64),
		GetAuxBlob: true,
	})
	require.NoError(t, err)
	assert.Nil(t, resp.AuxBlob)
}

func TestCancellation(t *testing.T) {
	fake := faketsm.New(faketsm.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	fake.OnAccess = func(op faketsm.Op, path string) error {
		if op == faketsm.OpRead && strings.HasSuffix(path, "outblob") {
			cancel()
		}
		return nil
	}

	_, err := report.Get(ctx, fake, &report.Request{InBlob: make([]byte, 64)})
	require.ErrorIs(t, err, report.ErrCancelled)
	assert.Empty(t, fake.Entries(), "report entry must be removed after cancellation")
}

func TestIOErrorDoesNotRetry(t *testing.T) {
	fake := faketsm.New(faketsm.Options{})

	outblobReads := 0
	fake.OnAccess = func(op faketsm.Op, path string) error {
		if op == faketsm.OpRead && strings.HasSuffix(path, "outblob") {
			outblobReads++
			return assert.AnError
		}
		return nil
	}

	_, err := report.Get(context.Background(), fake, &report.Request{InBlob: make([]byte, 64)})
	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, outblobReads, "I/O failures are not races and must not retry")
	assert.Empty(t, fake.Entries())
}

func TestConcurrentCreatesAreCollisionFree(t *testing.T) {
	fake := faketsm.New(faketsm.Options{})

	const sessions = 16
	var wg sync.WaitGroup
	reports := make(chan *report.OpenReport, sessions)
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := report.CreateOpenReport(fake)
			assert.NoError(t, err)
			reports <- r
		}()
	}
	wg.Wait()
	close(reports)

	assert.Len(t, fake.Entries(), sessions, "every session must get a distinct entry name")
	for r := range reports {
		require.NoError(t, r.Destroy())
	}
	assert.Empty(t, fake.Entries())
}

func TestCreateNamedCollision(t *testing.T) {
	fake := faketsm.New(faketsm.Options{})

	r, err := report.CreateNamedOpenReport(fake, "boot-quote")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, r.Destroy()) })

	_, err = report.CreateNamedOpenReport(fake, "boot-quote")
	require.ErrorIs(t, err, report.ErrNameCollision)
}

func TestDestroyIsIdempotent(t *testing.T) {
	fake := faketsm.New(faketsm.Options{})

	r, err := report.CreateOpenReport(fake)
	require.NoError(t, err)
	require.NoError(t, r.Destroy())
	require.NoError(t, r.Destroy())
	assert.Empty(t, fake.Entries())
}

func TestNameHint(t *testing.T) {
	fake := faketsm.New(faketsm.Options{})

	_, err := report.Get(context.Background(), fake, &report.Request{
		InBlob:   make([]byte, 64),
		NameHint: "sealing",
	})
	require.NoError(t, err)
	assert.Empty(t, fake.Entries())
}

func TestProviderUnavailable(t *testing.T) {
	fake := faketsm.New(faketsm.Options{})
	fake.OnAccess = func(op faketsm.Op, path string) error {
		if op == faketsm.OpMkdir {
			return &fs.PathError{Op: "mkdir", Path: path, Err: fs.ErrNotExist}
		}
		return nil
	}

	_, err := report.Get(context.Background(), fake, &report.Request{InBlob: make([]byte, 64)})
	require.ErrorIs(t, err, report.ErrProviderUnavailable)
}
