package bucket

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/unitigo/internal/blockcodec"
	"github.com/hupe1980/unitigo/internal/resource"
	"github.com/hupe1980/unitigo/vfs"
)

func newManager(t *testing.T, limit int64) *vfs.Manager {
	t.Helper()
	rc := resource.NewController(resource.Config{MemoryLimitBytes: limit})
	m, err := vfs.New(vfs.WithController(rc), vfs.WithChunkSize(4<<10))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func collect(t *testing.T, mgr *vfs.Manager, path string) []string {
	t.Helper()
	var out []string
	for rec, err := range Records(mgr, path) {
		require.NoError(t, err)
		out = append(out, string(rec))
	}
	return out
}

func record(worker, i int) string {
	return fmt.Sprintf("w%02d-r%04d-%s", worker, i, string(make([]byte, i%7)))
}

func strategies() map[string][]Option {
	return map[string][]Option{
		"lock-free":  {WithStrategy(LockFree)},
		"lz4":        {WithCompression(blockcodec.LZ4, 0, 512)},
		"zstd":       {WithCompression(blockcodec.Zstd, 3, 512)},
		"compressed": {WithCompression(blockcodec.None, 0, 300)},
	}
}

func TestSet_RoundTripMultiset(t *testing.T) {
	for name, opts := range strategies() {
		t.Run(name, func(t *testing.T) {
			// A budget of a few chunks forces spilling.
			mgr := newManager(t, 8*(4<<10))
			prefix := filepath.Join(t.TempDir(), "fragments")

			const partitions, workers, perWorker = 4, 6, 400
			opts := append(opts, WithBufferSize(512), WithPoolSize(3))
			set, err := NewSet(mgr, prefix, partitions, opts...)
			require.NoError(t, err)

			want := make([][]string, partitions)
			var mu sync.Mutex
			var wg sync.WaitGroup
			for w := range workers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := set.With(t.Context(), func(tb *ThreadBuffer) error {
						for i := range perWorker {
							rec := record(w, i)
							p := (w + i) % partitions
							if err := tb.Add(p, []byte(rec)); err != nil {
								return err
							}
							mu.Lock()
							want[p] = append(want[p], rec)
							mu.Unlock()
						}
						return nil
					})
					assert.NoError(t, err)
				}()
			}
			wg.Wait()

			files, err := set.Finalize()
			require.NoError(t, err)
			require.Len(t, files.Paths, partitions)
			assert.Equal(t, uint64(workers*perWorker), files.Total().Records)

			for p, path := range files.Paths {
				got := collect(t, mgr, path)
				assert.Equal(t, uint64(len(want[p])), files.Counts[p].Records)
				assert.ElementsMatch(t, want[p], got)
			}
		})
	}
}

func TestSet_SingleWriterPreservesOrder(t *testing.T) {
	for name, opts := range strategies() {
		t.Run(name, func(t *testing.T) {
			mgr := newManager(t, 0)
			opts := append(opts, WithBufferSize(64), WithPoolSize(1))
			set, err := NewSet(mgr, filepath.Join(t.TempDir(), "links0"), 1, opts...)
			require.NoError(t, err)

			var want []string
			require.NoError(t, set.With(t.Context(), func(tb *ThreadBuffer) error {
				for i := range 500 {
					rec := record(0, i)
					want = append(want, rec)
					if err := tb.Add(0, []byte(rec)); err != nil {
						return err
					}
				}
				return nil
			}))

			files, err := set.Finalize()
			require.NoError(t, err)
			assert.Equal(t, want, collect(t, mgr, files.Paths[0]))

			// A new reader is a new stream from the start.
			r, err := OpenReader(mgr, files.Paths[0])
			require.NoError(t, err)
			n := 0
			for _, err := range r.Records() {
				require.NoError(t, err)
				n++
				if n == 10 {
					break
				}
			}
			assert.Equal(t, want, collect(t, mgr, files.Paths[0]))
		})
	}
}

func TestReader_Checkpoints(t *testing.T) {
	mgr := newManager(t, 0)
	set, err := NewSet(mgr, filepath.Join(t.TempDir(), "results_map"), 1,
		WithCompression(blockcodec.LZ4, 0, 256), WithBufferSize(64), WithPoolSize(1))
	require.NoError(t, err)

	var want []string
	require.NoError(t, set.With(t.Context(), func(tb *ThreadBuffer) error {
		for i := range 300 {
			rec := fmt.Sprintf("record-%04d", i)
			want = append(want, rec)
			if err := tb.Add(0, []byte(rec)); err != nil {
				return err
			}
		}
		return nil
	}))
	files, err := set.Finalize()
	require.NoError(t, err)

	r, err := OpenReader(mgr, files.Paths[0])
	require.NoError(t, err)
	assert.Equal(t, Compressed, r.Header().Strategy)
	assert.Equal(t, blockcodec.LZ4, r.Header().Codec)

	cps, err := r.Checkpoints()
	require.NoError(t, err)
	require.Greater(t, len(cps), 2)
	assert.True(t, slices.IsSorted(cps))

	// Replaying from a later checkpoint yields a suffix of the stream.
	var tail []string
	for rec, err := range r.RecordsFrom(cps[2]) {
		require.NoError(t, err)
		tail = append(tail, string(rec))
	}
	require.NotEmpty(t, tail)
	assert.Equal(t, want[len(want)-len(tail):], tail)
}

func TestSet_FinalizeIdempotent(t *testing.T) {
	mgr := newManager(t, 0)
	set, err := NewSet(mgr, filepath.Join(t.TempDir(), "chain_map"), 3, WithExtension("bin"))
	require.NoError(t, err)

	tb, err := set.Borrow(t.Context())
	require.NoError(t, err)
	require.NoError(t, tb.Add(1, []byte("a")))
	require.NoError(t, tb.Add(2, []byte("bb")))
	assert.Equal(t, 2, tb.Pending())

	_, err = set.Finalize()
	assert.ErrorIs(t, err, ErrBuffersOutstanding)
	set.Return(tb)

	first, err := set.Finalize()
	require.NoError(t, err)
	second, err := set.Finalize()
	require.NoError(t, err)
	assert.Equal(t, first, second)

	assert.Equal(t, Count{}, first.Counts[0])
	assert.Equal(t, Count{Bytes: 2, Records: 1}, first.Counts[1])
	assert.Equal(t, Count{Bytes: 3, Records: 1}, first.Counts[2])
	assert.Equal(t, "chain_map.2.bin", filepath.Base(first.Paths[2]))

	_, err = set.Borrow(t.Context())
	assert.ErrorIs(t, err, ErrFinalized)

	require.NoError(t, Remove(mgr, first.Paths, false))
	_, err = OpenReader(mgr, first.Paths[1])
	assert.ErrorIs(t, err, vfs.ErrNotFound)
}

func TestSet_Abort(t *testing.T) {
	for name, opts := range strategies() {
		t.Run(name, func(t *testing.T) {
			mgr := newManager(t, 0)
			set, err := NewSet(mgr, filepath.Join(t.TempDir(), "links0"), 2,
				append(opts, WithBufferSize(128), WithPoolSize(2))...)
			require.NoError(t, err)

			require.NoError(t, set.With(t.Context(), func(tb *ThreadBuffer) error {
				for i := range 500 {
					if err := tb.Add(i%2, []byte(record(0, i))); err != nil {
						return err
					}
				}
				return nil
			}))
			require.Positive(t, mgr.Stats().ResidentBytes)

			require.NoError(t, set.Abort())
			stats := mgr.Stats()
			assert.Zero(t, stats.Files)
			assert.Zero(t, stats.ResidentBytes)
			for _, p := range set.Paths() {
				assert.False(t, mgr.Exists(p), p)
			}

			_, err = set.Borrow(t.Context())
			assert.ErrorIs(t, err, ErrAborted)
			_, err = set.Finalize()
			assert.ErrorIs(t, err, ErrAborted)
			assert.NoError(t, set.Abort())
		})
	}
}

func TestSet_AbortAfterFinalize(t *testing.T) {
	mgr := newManager(t, 0)
	set, err := NewSet(mgr, filepath.Join(t.TempDir(), "chain_map"), 2)
	require.NoError(t, err)
	require.NoError(t, set.With(t.Context(), func(tb *ThreadBuffer) error {
		return tb.Add(1, []byte("kept"))
	}))
	files, err := set.Finalize()
	require.NoError(t, err)

	require.NoError(t, set.Abort())
	assert.Equal(t, 2, mgr.Stats().Files)
	assert.Equal(t, []string{"kept"}, collect(t, mgr, files.Paths[1]))
}

func TestNewSet_ReplacesEarlierFiles(t *testing.T) {
	for name, opts := range strategies() {
		t.Run(name, func(t *testing.T) {
			mgr := newManager(t, 0)
			prefix := filepath.Join(t.TempDir(), "results_map")

			write := func(recs ...string) Files {
				set, err := NewSet(mgr, prefix, 1, opts...)
				require.NoError(t, err)
				require.NoError(t, set.With(t.Context(), func(tb *ThreadBuffer) error {
					for _, r := range recs {
						if err := tb.Add(0, []byte(r)); err != nil {
							return err
						}
					}
					return nil
				}))
				files, err := set.Finalize()
				require.NoError(t, err)
				return files
			}

			first := write("old-1", "old-2", "old-3")
			require.NoError(t, mgr.FlushAllToDisk())
			mgr.FreeMemory()

			second := write("new-1")
			assert.Equal(t, first.Paths, second.Paths)
			assert.Equal(t, 1, mgr.Stats().Files)
			assert.Equal(t, []string{"new-1"}, collect(t, mgr, second.Paths[0]))
		})
	}
}

func TestNames(t *testing.T) {
	assert.Equal(t, []string{"links3.0", "links3.1"}, Names("links3", 2, ""))
	assert.Equal(t, "out/fragments.7.lz4", Name("out/fragments", 7, "lz4"))

	for path, want := range map[string]int{
		"/tmp/links12.5":       5,
		"fragments.17.lz4":     17,
		"/a.b/results_map.0":   0,
		"chain_map.3.tmp.data": 3,
	} {
		got, err := PartitionOf(path)
		require.NoError(t, err, path)
		assert.Equal(t, want, got, path)
	}
	_, err := PartitionOf("counters")
	assert.Error(t, err)
}

func TestReader_Corrupt(t *testing.T) {
	mgr := newManager(t, 0)
	path := filepath.Join(t.TempDir(), "bogus.0")

	f, err := mgr.Create(path, vfs.PriorityScratch)
	require.NoError(t, err)
	_, err = f.Append([]byte("NOTABUCKETFILE"))
	require.NoError(t, err)
	f.Seal()

	_, err = OpenReader(mgr, path)
	assert.ErrorIs(t, err, ErrCorrupt)

	// Truncated record: length prefix larger than the remaining bytes.
	path = filepath.Join(t.TempDir(), "trunc.0")
	f, err = mgr.Create(path, vfs.PriorityScratch)
	require.NoError(t, err)
	_, err = f.Append(append(Header{Strategy: LockFree}.encode(), 0x7f, 'a'))
	require.NoError(t, err)
	f.Seal()

	var gotErr error
	for _, err := range Records(mgr, path) {
		gotErr = err
	}
	assert.ErrorIs(t, gotErr, ErrCorrupt)

	_, err = ParseStrategy("mystery")
	assert.Error(t, err)
}

func TestReader_OversizedBlock(t *testing.T) {
	mgr := newManager(t, 0)
	path := filepath.Join(t.TempDir(), "fragments.0")

	// A compressed block whose header claims ~4 GiB of output for 4 bytes.
	content := Header{Strategy: Compressed, Codec: blockcodec.LZ4}.encode()
	content = binary.LittleEndian.AppendUint32(content, 0xFFFFFF00)
	content = binary.LittleEndian.AppendUint32(content, 4)
	content = append(content, 1, 2, 3, 4)

	f, err := mgr.Create(path, vfs.PriorityScratch)
	require.NoError(t, err)
	_, err = f.Append(content)
	require.NoError(t, err)
	f.Seal()

	var gotErr error
	for _, err := range Records(mgr, path) {
		gotErr = err
	}
	assert.ErrorIs(t, gotErr, ErrCorrupt)
	assert.ErrorContains(t, gotErr, "too large")

	r, err := OpenReader(mgr, path)
	require.NoError(t, err)
	_, err = r.Checkpoints()
	assert.ErrorIs(t, err, ErrCorrupt)
}
