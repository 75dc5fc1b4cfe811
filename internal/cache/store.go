package cache

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mr-tron/base58"

	"github.com/omni-build/omni/internal/fingerprint"
	"github.com/omni-build/omni/internal/model"
	"github.com/omni-build/omni/internal/omnipath"
)

const (
	metaFileName  = "cache.meta.bin"
	logsFileName  = "logs.cache"
	lastUsedDBRel = "last-used-timestamps.db"
)

// Store is the local (optionally remote-backed) cache store. Grounded on
// turborepo's internal/cache.cache dispatch struct: a local tier that is
// always consulted first, with an optional second tier
// consulted only on a local miss/put.
type Store struct {
	dir       string // workspace .omni/cache
	logger    hclog.Logger
	collector *fingerprint.Collector
	lastUsed  *lastUsedIndex
	remote    *remoteTier // nil when no remote tier configured
}

// Option configures a Store at construction.
type Option func(*Store)

// WithRemote attaches a remote archive tier.
func WithRemote(r *remoteTier) Option {
	return func(s *Store) { s.remote = r }
}

// New opens (or creates) a Store rooted at dir (typically
// "<workspace>/.omni/cache").
func New(dir string, collector *fingerprint.Collector, logger hclog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	s := &Store{
		dir:       dir,
		logger:    logger.Named("cache"),
		collector: collector,
		lastUsed:  newLastUsedIndex(filepath.Join(dir, lastUsedDBRel)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Hit is a resolved cache hit: the decoded record plus every output file's
// original location resolved against its task's RootMap, so a caller can
// hard-link it back into the workspace.
type Hit struct {
	Record        model.CachedTaskExecution
	EntryDir      string
	LogsPath      string            // absolute, empty if no logs were captured
	ResolvedFiles map[string]string // CachedFile.CachedPath -> resolved absolute original path
}

// GetMany implements get_many: one slot per input task,
// nil where there is no usable cache entry.
func (s *Store) GetMany(tasks []fingerprint.TaskInput) ([]*Hit, error) {
	digests, err := s.collector.Collect(fingerprint.CollectConfig{ComputeDigests: true, ResolveCacheDirs: true}, tasks)
	if err != nil {
		return nil, fmt.Errorf("cache: computing digests: %w", err)
	}

	hits := make([]*Hit, len(tasks))
	var touched []lastUsedKey

	for i, ti := range tasks {
		entryDir := filepath.Join(s.dir, digests[i].CacheDir)
		hit, err := s.readEntry(entryDir, ti.Roots)
		if err != nil {
			return nil, err
		}
		if hit == nil && s.remote != nil {
			if s.remote.fetchInto(entryDir, digests[i].Digest, s.logger) {
				hit, err = s.readEntry(entryDir, ti.Roots)
				if err != nil {
					return nil, err
				}
			}
		}
		if hit == nil {
			continue
		}
		hits[i] = hit
		touched = append(touched, lastUsedKey{
			projectName: hit.Record.ProjectName,
			taskName:    hit.Record.TaskName,
			digestHex:   fmt.Sprintf("%x", hit.Record.Digest),
		})
	}

	if len(touched) > 0 {
		if err := s.lastUsed.touchMany(touched, time.Now().UTC()); err != nil {
			s.logger.Warn("failed to update last-used index", "error", err)
		}
	}

	return hits, nil
}

// readEntry loads and verifies a single candidate entry directory. A
// missing meta file, a decode failure, or any missing referenced path
// invalidates the whole entry (returns nil, nil).
func (s *Store) readEntry(entryDir string, roots omnipath.RootMap) (*Hit, error) {
	metaPath := filepath.Join(entryDir, metaFileName)
	raw, err := os.ReadFile(metaPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: reading %s: %w", metaPath, err)
	}

	rec, err := DecodeMeta(raw)
	if err != nil {
		s.logger.Warn("invalid cache metadata, treating as miss", "path", metaPath, "error", err)
		return nil, nil
	}

	logsAbs := ""
	if rec.LogsPath != "" {
		logsAbs = filepath.Join(entryDir, rec.LogsPath)
		if !fileExists(logsAbs) {
			return nil, nil
		}
	}

	resolved := make(map[string]string, len(rec.Files))
	for _, f := range rec.Files {
		cachedAbs := filepath.Join(entryDir, f.CachedPath)
		if !fileExists(cachedAbs) {
			return nil, nil
		}
		originalAbs, err := f.OriginalPath.Resolve(roots)
		if err != nil {
			return nil, nil
		}
		resolved[f.CachedPath] = originalAbs
	}

	return &Hit{Record: rec, EntryDir: entryDir, LogsPath: logsAbs, ResolvedFiles: resolved}, nil
}

// NewEntry is one unit of work for CacheMany: a task's execution result
// plus everything needed to re-collect its outputs and serialize a record.
type NewEntry struct {
	Task              fingerprint.TaskInput
	Digest            model.Digest
	ExecutionDuration time.Duration
	ExitCode          int
	ExecutionTime     time.Time
	LogsBytes         []byte // nil unless CacheLogs is set and logs were captured
}

// CachedRef identifies one entry CacheMany wrote.
type CachedRef struct {
	Project string
	Task    string
	Digest  model.Digest
}

// CacheMany implements cache_many.
func (s *Store) CacheMany(entries []NewEntry) ([]CachedRef, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	taskInputs := make([]fingerprint.TaskInput, len(entries))
	for i, e := range entries {
		taskInputs[i] = e.Task
	}
	collected, err := s.collector.Collect(fingerprint.CollectConfig{CollectOutputFiles: true}, taskInputs)
	if err != nil {
		return nil, fmt.Errorf("cache: collecting outputs: %w", err)
	}

	refs := make([]CachedRef, 0, len(entries))
	for i, e := range entries {
		ref, err := s.writeEntry(e, collected[i].OutputFiles)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func (s *Store) writeEntry(e NewEntry, outputs []omnipath.Path) (CachedRef, error) {
	node := e.Task.Node
	ref := CachedRef{Project: node.ProjectName, Task: node.TaskName, Digest: e.Digest}

	entryDir := filepath.Join(s.dir, fingerprint.CacheEntryDir(node.ProjectName, e.Digest))
	if err := os.RemoveAll(entryDir); err != nil {
		return ref, fmt.Errorf("cache: clearing stale entry %s: %w", entryDir, err)
	}
	if err := os.MkdirAll(entryDir, 0o755); err != nil {
		return ref, fmt.Errorf("cache: creating entry directory %s: %w", entryDir, err)
	}

	rec := model.CachedTaskExecution{
		ProjectName:       node.ProjectName,
		TaskName:          node.TaskName,
		Digest:            e.Digest,
		Command:           node.Command,
		ExecutionDuration: e.ExecutionDuration,
		ExitCode:          e.ExitCode,
		ExecutionTime:     e.ExecutionTime.UTC(),
		DependencyDigests: e.Task.DependencyDigests,
	}

	if node.Cache.CacheLogs && len(e.LogsBytes) > 0 {
		if err := os.WriteFile(filepath.Join(entryDir, logsFileName), e.LogsBytes, 0o644); err != nil {
			return ref, fmt.Errorf("cache: writing logs: %w", err)
		}
		rec.LogsPath = logsFileName
	}

	for _, rootedOutput := range outputs {
		originalAbs, err := rootedOutput.Resolve(e.Task.Roots)
		if err != nil {
			return ref, fmt.Errorf("cache: resolving output %s: %w", rootedOutput.Raw, err)
		}
		cachedName := base58.Encode(fingerprint.HashBytes([]byte(originalAbs))) + ".cache"
		cachedAbs := filepath.Join(entryDir, cachedName)

		if err := linkOrCopy(originalAbs, cachedAbs, s.logger); err != nil {
			return ref, fmt.Errorf("cache: storing output %s: %w", originalAbs, err)
		}
		rec.Files = append(rec.Files, model.CachedFile{CachedPath: cachedName, OriginalPath: rootedOutput})
	}

	if err := os.WriteFile(filepath.Join(entryDir, metaFileName), EncodeMeta(rec), 0o644); err != nil {
		return ref, fmt.Errorf("cache: writing metadata: %w", err)
	}

	if s.remote != nil {
		s.remote.put(entryDir, e.Digest, s.logger)
	}

	return ref, nil
}

// linkOrCopy hard-links src to dst, falling back to a byte copy (flagged
// via a warning log) on cross-device or filesystem-unsupported failures.
func linkOrCopy(src, dst string, logger hclog.Logger) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	} else if logger != nil {
		logger.Warn("hard link failed, falling back to copy", "src", src, "dst", dst, "error", err)
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
