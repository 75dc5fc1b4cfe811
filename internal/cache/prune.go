package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gobwas/glob"
	"github.com/hashicorp/go-multierror"

	"github.com/omni-build/omni/internal/fingerprint"
	"github.com/omni-build/omni/internal/model"
)

// EntryStats describes one on-disk cache entry, the unit get-stats and
// prune both operate on.
type EntryStats struct {
	Record     model.CachedTaskExecution
	EntryDir   string
	TotalBytes int64
	LastUsedAt time.Time // falls back to Record.ExecutionTime when absent from the index
}

// GetStats walks the cache directory, decoding every entry's metadata and
// keeping those whose project/task name match the given globs. Empty glob
// strings match everything.
//
// The directory name a project is stored under is itself a content hash
// and so cannot be glob-matched directly; this implementation decodes
// each entry's cache.meta.bin and matches the glob against the recorded
// project_name / task_name instead. Recorded as a judgment call in
// DESIGN.md.
func (s *Store) GetStats(projectGlob, taskGlob string) ([]EntryStats, error) {
	projectMatch, err := compileOrMatchAll(projectGlob)
	if err != nil {
		return nil, fmt.Errorf("filter: invalid project glob %q: %w", projectGlob, err)
	}
	taskMatch, err := compileOrMatchAll(taskGlob)
	if err != nil {
		return nil, fmt.Errorf("filter: invalid task glob %q: %w", taskGlob, err)
	}

	projectDirs, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("filesystem: reading cache directory %s: %w", s.dir, err)
	}

	var errs *multierror.Error
	var out []EntryStats

	for _, pd := range projectDirs {
		if !pd.IsDir() {
			continue
		}
		outputDir := filepath.Join(s.dir, pd.Name(), "output")
		digestDirs, err := os.ReadDir(outputDir)
		if err != nil {
			continue
		}
		for _, dd := range digestDirs {
			if !dd.IsDir() {
				continue
			}
			entryDir := filepath.Join(outputDir, dd.Name())
			stat, err := s.statEntry(entryDir)
			if err != nil {
				errs = multierror.Append(errs, err)
				continue
			}
			if stat == nil {
				continue
			}
			if !projectMatch.Match(stat.Record.ProjectName) || !taskMatch.Match(stat.Record.TaskName) {
				continue
			}
			out = append(out, *stat)
		}
	}

	if errs.ErrorOrNil() != nil {
		return out, errs
	}
	return out, nil
}

func (s *Store) statEntry(entryDir string) (*EntryStats, error) {
	raw, err := os.ReadFile(filepath.Join(entryDir, metaFileName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("filesystem: reading %s: %w", entryDir, err)
	}
	rec, err := DecodeMeta(raw)
	if err != nil {
		s.logger.Warn("invalid cache metadata encountered during stats walk", "dir", entryDir, "error", err)
		return nil, nil
	}

	var total int64
	err = filepath.Walk(entryDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("filesystem: sizing %s: %w", entryDir, err)
	}

	lastUsed := rec.ExecutionTime
	key := lastUsedKey{projectName: rec.ProjectName, taskName: rec.TaskName, digestHex: fmt.Sprintf("%x", rec.Digest)}
	if t, ok := s.lastUsed.lookup(key); ok {
		lastUsed = t
	}

	return &EntryStats{Record: rec, EntryDir: entryDir, TotalBytes: total, LastUsedAt: lastUsed}, nil
}

func compileOrMatchAll(pattern string) (glob.Glob, error) {
	if pattern == "" {
		pattern = "*"
	}
	return glob.Compile(pattern)
}

// PruneOptions configures Prune.
type PruneOptions struct {
	ProjectGlob string
	TaskGlob    string
	OlderThan   *time.Duration
	LargerThan  *int64
	StaleOnly   bool
	DryRun      bool
	Now         time.Time

	// CurrentTasks supplies the live TaskInput for every "project#task"
	// full name, used to recompute current digests when StaleOnly is set.
	// An entry whose full name is absent from this map is never treated
	// as stale (there is nothing to compare it against).
	CurrentTasks map[string]fingerprint.TaskInput
}

// Prune implements prune: get-stats, then progressively
// filter by staleness / age / size, then (unless dry_run) delete.
func (s *Store) Prune(opts PruneOptions) ([]EntryStats, int64, error) {
	stats, err := s.GetStats(opts.ProjectGlob, opts.TaskGlob)
	if err != nil {
		return nil, 0, err
	}

	if opts.StaleOnly {
		stats, err = s.filterStale(stats, opts.CurrentTasks)
		if err != nil {
			return nil, 0, err
		}
	}

	if opts.OlderThan != nil {
		cutoff := opts.Now.Add(-*opts.OlderThan)
		filtered := stats[:0:0]
		for _, st := range stats {
			if st.LastUsedAt.Before(cutoff) {
				filtered = append(filtered, st)
			}
		}
		stats = filtered
	}

	if opts.LargerThan != nil {
		filtered := stats[:0:0]
		for _, st := range stats {
			if st.TotalBytes >= *opts.LargerThan {
				filtered = append(filtered, st)
			}
		}
		stats = filtered
	}

	var recovered int64
	var errs *multierror.Error
	for _, st := range stats {
		recovered += st.TotalBytes
		if opts.DryRun {
			continue
		}
		if err := os.RemoveAll(st.EntryDir); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("filesystem: removing %s: %w", st.EntryDir, err))
			continue
		}
		key := lastUsedKey{projectName: st.Record.ProjectName, taskName: st.Record.TaskName, digestHex: fmt.Sprintf("%x", st.Record.Digest)}
		if err := s.lastUsed.remove(key); err != nil {
			s.logger.Warn("failed to remove last-used index entry", "error", err)
		}
	}

	if errs.ErrorOrNil() != nil {
		return stats, recovered, errs
	}
	return stats, recovered, nil
}

func (s *Store) filterStale(stats []EntryStats, current map[string]fingerprint.TaskInput) ([]EntryStats, error) {
	var out []EntryStats
	for _, st := range stats {
		fullName := st.Record.ProjectName + "#" + st.Record.TaskName
		ti, ok := current[fullName]
		if !ok {
			continue
		}
		results, err := s.collector.Collect(fingerprint.CollectConfig{ComputeDigests: true}, []fingerprint.TaskInput{ti})
		if err != nil {
			return nil, fmt.Errorf("cache: recomputing digest for %s: %w", fullName, err)
		}
		if results[0].Digest != st.Record.Digest {
			out = append(out, st)
		}
	}
	return out, nil
}
