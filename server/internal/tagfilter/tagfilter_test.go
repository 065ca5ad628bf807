// tagfilter_test.go - Packet replay filter tests.
// Copyright (C) 2017  Yawning Angel
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package tagfilter

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/ticketmix/core/log"
)

func randomTags(t testing.TB, n int) [][TagLength]byte {
	tags := make([][TagLength]byte, n)
	for i := range tags {
		_, err := rand.Read(tags[i][:])
		require.NoError(t, err)
	}
	return tags
}

func testLogger(t testing.TB) *logging.Logger {
	backend, err := log.NewWithWriter(os.Stderr, "DEBUG")
	require.NoError(t, err)
	return backend.GetLogger("tagfilter")
}

func TestFilter(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	assert := assert.New(t)

	f, err := New("", 16, testLogger(t))
	require.NoError(err)
	defer f.Close()

	// Ensure that the 0 byte pathological tag case behaves.
	assert.True(f.IsReplay([]byte{}), "IsReplay([]byte{})")
	assert.ErrorIs(f.Check([]byte{}), ErrTagReplay)

	tags := randomTags(t, 64)
	for _, tag := range tags {
		assert.False(f.IsReplay(tag[:]), "IsReplay() new: %v", hex.EncodeToString(tag[:]))
	}
	for _, tag := range tags {
		assert.ErrorIs(f.Check(tag[:]), ErrTagReplay, "Check() seen: %v", hex.EncodeToString(tag[:]))
	}
	require.Equal(len(tags), f.Entries())
}

func TestFilterRotation(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	// The smallest filter holds only a handful of entries per generation.
	f, err := New(filepath.Join(t.TempDir(), "replay.db"), 9, testLogger(t))
	require.NoError(err)
	defer f.Close()

	tags := randomTags(t, 1000)
	gens := make([]uint64, len(tags))
	for i, tag := range tags {
		require.NoError(f.Check(tag[:]), "fresh tag %d", i)
		gens[i] = f.Generation()
	}
	last := f.Generation()
	require.Greater(last, uint64(1))

	for i, tag := range tags {
		if gens[i] == last {
			require.ErrorIs(f.Check(tag[:]), ErrTagReplay, "replayed tag %d", i)
		}
	}
	for _, tag := range randomTags(t, 100) {
		require.NoError(f.Check(tag[:]))
	}
}

func TestFilterPersistence(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "replay.db")
	f, err := New(path, 9, testLogger(t))
	require.NoError(err)

	tags := randomTags(t, 100)
	gens := make([]uint64, len(tags))
	for i, tag := range tags {
		require.NoError(f.Check(tag[:]))
		gens[i] = f.Generation()
	}
	gen := f.Generation()
	require.NoError(f.Close())

	f, err = New(path, 9, testLogger(t))
	require.NoError(err)
	defer f.Close()
	require.Equal(gen, f.Generation())

	for i, tag := range tags {
		if gens[i] == gen {
			require.ErrorIs(f.Check(tag[:]), ErrTagReplay, "replayed tag %d", i)
		}
	}
	fresh := randomTags(t, 1)[0]
	require.NoError(f.Check(fresh[:]))
}

func BenchmarkIsReplayMiss(b *testing.B) {
	f, err := New("", 24, testLogger(b))
	if err != nil {
		b.Fatalf("Failed to create filter: %v", err)
	}
	tags := randomTags(b, b.N)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.IsReplay(tags[i][:])
	}
}
