package unitigo

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/hupe1980/unitigo/bucket"
	"github.com/hupe1980/unitigo/codec"
	ifs "github.com/hupe1980/unitigo/internal/fs"
)

const (
	// ManifestFileName is the name of the run manifest inside the temp dir.
	ManifestFileName = "manifest.json"
	// CountersFileName is the name of the bucket counters snapshot.
	CountersFileName = "counters.dat"

	manifestVersion = 1
)

// Artifacts are the files a finished phase hands to the next ones.
type Artifacts struct {
	Counters    string       `json:"counters,omitempty"`
	Fragments   bucket.Files `json:"fragments"`
	Links       bucket.Files `json:"links"`
	ChainMap    bucket.Files `json:"chain_map"`
	ResultsMap  bucket.Files `json:"results_map"`
	Reorganized bucket.Files `json:"reorganized"`
	Lonely      bucket.Files `json:"lonely"`
}

// inputsOf returns the file sets step s reads.
func (a *Artifacts) inputsOf(s Step) map[string]bucket.Files {
	switch s {
	case StepCompaction:
		return map[string]bucket.Files{"fragments": a.Fragments, "links": a.Links}
	case StepResolution:
		return map[string]bucket.Files{"fragments": a.Fragments, "chain map": a.ChainMap, "results map": a.ResultsMap}
	case StepAssembly:
		return map[string]bucket.Files{"chain map": a.ChainMap, "reorganized": a.Reorganized, "lonely": a.Lonely}
	default:
		return nil
	}
}

// Manifest records the progress of a run. It is rewritten after every phase.
type Manifest struct {
	Version int    `json:"version"`
	RunID   string `json:"run_id"`
	Codec   string `json:"codec"`
	// Next is the first phase that has not finished.
	Next          Step      `json:"next"`
	Partitions    int       `json:"partitions"`
	SubPartitions int       `json:"sub_partitions"`
	UpdatedAt     time.Time `json:"updated_at"`
	Artifacts     Artifacts `json:"artifacts"`
	Report        Report    `json:"report"`
}

// manifestStore reads and atomically replaces the manifest file.
type manifestStore struct {
	fs    ifs.FileSystem
	dir   string
	codec codec.Codec
}

func (s *manifestStore) path() string { return filepath.Join(s.dir, ManifestFileName) }

func (s *manifestStore) load() (*Manifest, error) {
	f, err := s.fs.OpenFile(s.path(), os.O_RDONLY, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, s.path())
		}
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := s.codec.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: manifest: %w", ErrCorrupt, err)
	}
	if m.Version != manifestVersion {
		return nil, fmt.Errorf("unsupported manifest version: %d (expected %d)", m.Version, manifestVersion)
	}
	return &m, nil
}

func (s *manifestStore) save(m *Manifest) error {
	m.Version = manifestVersion
	m.Codec = s.codec.Name()
	m.UpdatedAt = time.Now().UTC()

	data, err := s.codec.Marshal(m)
	if err != nil {
		return err
	}

	tmpPath := s.path() + ".tmp"
	f, err := s.fs.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		s.fs.Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		s.fs.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		s.fs.Remove(tmpPath)
		return err
	}
	if err := s.fs.Rename(tmpPath, s.path()); err != nil {
		s.fs.Remove(tmpPath)
		return err
	}
	return s.syncDir()
}

func (s *manifestStore) remove() error {
	if err := s.fs.Remove(s.path()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *manifestStore) syncDir() error {
	f, err := s.fs.OpenFile(s.dir, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
