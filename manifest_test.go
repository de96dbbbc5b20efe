package unitigo

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/unitigo/bucket"
	"github.com/hupe1980/unitigo/codec"
	ifs "github.com/hupe1980/unitigo/internal/fs"
)

func newManifestStore(t *testing.T) *manifestStore {
	t.Helper()
	return &manifestStore{fs: ifs.Default, dir: t.TempDir(), codec: codec.Default}
}

func TestManifestStore_SaveLoad(t *testing.T) {
	s := newManifestStore(t)

	_, err := s.load()
	require.ErrorIs(t, err, ErrNotFound)

	m := &Manifest{
		RunID:         "run-1",
		Next:          StepResolution,
		Partitions:    4,
		SubPartitions: 2,
		Artifacts: Artifacts{
			Counters:   filepath.Join(s.dir, CountersFileName),
			Fragments:  bucket.Files{Paths: []string{"a", "b", "c", "d"}},
			ChainMap:   bucket.Files{Paths: []string{"e", "f", "g", "h"}},
			ResultsMap: bucket.Files{Paths: []string{"i", "j", "k", "l"}},
		},
		Report: Report{
			Fragments: 10,
			Rounds:    3,
			Durations: map[string]time.Duration{"bucketing": time.Second},
		},
	}
	require.NoError(t, s.save(m))
	assert.Equal(t, manifestVersion, m.Version)
	assert.Equal(t, codec.Default.Name(), m.Codec)
	assert.False(t, m.UpdatedAt.IsZero())

	got, err := s.load()
	require.NoError(t, err)
	assert.Equal(t, m.RunID, got.RunID)
	assert.Equal(t, StepResolution, got.Next)
	assert.Equal(t, m.Artifacts.Fragments.Paths, got.Artifacts.Fragments.Paths)
	assert.Equal(t, m.Artifacts.ChainMap.Paths, got.Artifacts.ChainMap.Paths)
	assert.Equal(t, uint64(10), got.Report.Fragments)
	assert.Equal(t, time.Second, got.Report.Durations["bucketing"])

	_, err = os.Stat(s.path() + ".tmp")
	assert.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, s.remove())
	require.NoError(t, s.remove())
	_, err = s.load()
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManifestStore_Corrupt(t *testing.T) {
	s := newManifestStore(t)
	require.NoError(t, os.WriteFile(s.path(), []byte("{not json"), 0o644))
	_, err := s.load()
	assert.ErrorIs(t, err, ErrCorrupt)

	require.NoError(t, os.WriteFile(s.path(), []byte(`{"version": 99}`), 0o644))
	_, err = s.load()
	assert.ErrorContains(t, err, "unsupported manifest version")
}

func TestArtifacts_InputsOf(t *testing.T) {
	a := Artifacts{
		Fragments:   bucket.Files{Paths: []string{"f"}},
		Links:       bucket.Files{Paths: []string{"l"}},
		ChainMap:    bucket.Files{Paths: []string{"c"}},
		ResultsMap:  bucket.Files{Paths: []string{"r"}},
		Reorganized: bucket.Files{Paths: []string{"o"}},
		Lonely:      bucket.Files{Paths: []string{"n"}},
	}
	assert.Nil(t, a.inputsOf(StepBucketing))
	assert.Len(t, a.inputsOf(StepCompaction), 2)
	assert.Contains(t, a.inputsOf(StepResolution), "results map")
	assert.Equal(t, []string{"n"}, a.inputsOf(StepAssembly)["lonely"].Paths)
}
