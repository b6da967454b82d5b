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

package faketsm_test

import (
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpcc/configfs-tsm/faketsm"
)

func TestReportEntryLifecycle(t *testing.T) {
	fake := faketsm.New(faketsm.Options{Provider: "tdx_guest"})

	entry, err := fake.MkdirTemp("/sys/kernel/config/tsm/report", "quote-*")
	require.NoError(t, err)
	assert.Len(t, fake.Entries(), 1)

	provider, err := fake.ReadFile(entry + "/provider")
	require.NoError(t, err)
	assert.Equal(t, "tdx_guest\n", string(provider))

	require.NoError(t, fake.RemoveAll(entry))
	assert.Empty(t, fake.Entries())

	err = fake.RemoveAll(entry)
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func TestGenerationBumpsOnWrites(t *testing.T) {
	fake := faketsm.New(faketsm.Options{})
	entry, err := fake.MkdirTemp("/sys/kernel/config/tsm/report", "quote-*")
	require.NoError(t, err)

	require.EqualValues(t, 0, fake.Generation())
	require.NoError(t, fake.WriteFile(entry+"/inblob", make([]byte, 64)))
	require.EqualValues(t, 1, fake.Generation())
	require.NoError(t, fake.WriteFile(entry+"/privlevel", []byte("1")))
	require.EqualValues(t, 2, fake.Generation())

	gen, err := fake.ReadFile(entry + "/generation")
	require.NoError(t, err)
	assert.Equal(t, "2\n", string(gen))

	// The counter is shared; a second entry sees the same value.
	other, err := fake.MkdirTemp("/sys/kernel/config/tsm/report", "other-*")
	require.NoError(t, err)
	gen, err = fake.ReadFile(other + "/generation")
	require.NoError(t, err)
	assert.Equal(t, "2\n", string(gen))
}

func TestReadOnlyAttributes(t *testing.T) {
	fake := faketsm.New(faketsm.Options{})
	entry, err := fake.MkdirTemp("/sys/kernel/config/tsm/report", "quote-*")
	require.NoError(t, err)

	for _, attr := range []string{"provider", "generation", "outblob", "auxblob", "privlevel_floor"} {
		err := fake.WriteFile(entry+"/"+attr, []byte("x"))
		require.ErrorIs(t, err, fs.ErrPermission, attr)
	}
}

func TestOutBlobRequiresInBlob(t *testing.T) {
	fake := faketsm.New(faketsm.Options{})
	entry, err := fake.MkdirTemp("/sys/kernel/config/tsm/report", "quote-*")
	require.NoError(t, err)

	_, err = fake.ReadFile(entry + "/outblob")
	require.Error(t, err)

	require.NoError(t, fake.WriteFile(entry+"/inblob", []byte{1, 2, 3}))
	out, err := fake.ReadFile(entry + "/outblob")
	require.NoError(t, err)
	assert.NotEmpty(t, out)
}

func TestPrivLevelValidation(t *testing.T) {
	fake := faketsm.New(faketsm.Options{})
	entry, err := fake.MkdirTemp("/sys/kernel/config/tsm/report", "quote-*")
	require.NoError(t, err)

	require.NoError(t, fake.WriteFile(entry+"/privlevel", []byte("3")))
	require.ErrorIs(t, fake.WriteFile(entry+"/privlevel", []byte("4")), fs.ErrInvalid)
	require.ErrorIs(t, fake.WriteFile(entry+"/privlevel", []byte("nope")), fs.ErrInvalid)
}

func TestInBlobBound(t *testing.T) {
	fake := faketsm.New(faketsm.Options{})
	entry, err := fake.MkdirTemp("/sys/kernel/config/tsm/report", "quote-*")
	require.NoError(t, err)

	require.NoError(t, fake.WriteFile(entry+"/inblob", make([]byte, 64)))
	require.ErrorIs(t, fake.WriteFile(entry+"/inblob", make([]byte, 65)), fs.ErrInvalid)
}

func TestRTMRExtendChains(t *testing.T) {
	fake := faketsm.NewRTMRs()

	entry, err := fake.MkdirTemp("/sys/kernel/config/tsm/rtmrs", "rtmr2-*")
	require.NoError(t, err)

	// The entry must be bound to an index before digests are accepted.
	require.Error(t, fake.WriteFile(entry+"/digest", make([]byte, 48)))
	require.NoError(t, fake.WriteFile(entry+"/index", []byte("2")))

	first, err := fake.ReadFile(entry + "/digest")
	require.NoError(t, err)
	require.NoError(t, fake.WriteFile(entry+"/digest", make([]byte, 48)))
	second, err := fake.ReadFile(entry + "/digest")
	require.NoError(t, err)
	assert.NotEqual(t, first, second, "extending must change the register")

	// Binding is one-shot.
	require.ErrorIs(t, fake.WriteFile(entry+"/index", []byte("1")), fs.ErrPermission)
}
