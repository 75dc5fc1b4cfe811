package cache

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// lastUsedKey identifies one row of last-used-timestamps.db.
type lastUsedKey struct {
	projectName string
	taskName    string
	digestHex   string
}

// lastUsedIndex is the file-backed (project_name, task_name, digest) ->
// timestamp map, protected by a process-level lock
// (here, an in-process mutex; the store is only ever opened once per
// process in this design, matching turborepo's own single-process daemon
// assumption for its local cache index).
type lastUsedIndex struct {
	mu   sync.Mutex
	path string
	rows map[lastUsedKey]time.Time
}

func newLastUsedIndex(path string) *lastUsedIndex {
	idx := &lastUsedIndex{path: path, rows: map[lastUsedKey]time.Time{}}
	idx.load()
	return idx
}

func (idx *lastUsedIndex) load() {
	f, err := os.Open(idx.path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		parts := strings.SplitN(line, "\t", 4)
		if len(parts) != 4 {
			continue
		}
		nanos, err := strconv.ParseInt(parts[3], 10, 64)
		if err != nil {
			continue
		}
		key := lastUsedKey{projectName: parts[0], taskName: parts[1], digestHex: parts[2]}
		idx.rows[key] = time.Unix(0, nanos).UTC()
	}
}

// touchMany updates last-used timestamps for a batch of entries in one
// call, coalescing the rewrite into a single file write per get_many call
//.
func (idx *lastUsedIndex) touchMany(keys []lastUsedKey, at time.Time) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for _, k := range keys {
		idx.rows[k] = at
	}
	return idx.flushLocked()
}

func (idx *lastUsedIndex) lookup(key lastUsedKey) (time.Time, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	t, ok := idx.rows[key]
	return t, ok
}

func (idx *lastUsedIndex) remove(key lastUsedKey) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.rows, key)
	return idx.flushLocked()
}

func (idx *lastUsedIndex) flushLocked() error {
	if err := os.MkdirAll(filepath.Dir(idx.path), 0o755); err != nil {
		return fmt.Errorf("cache: creating last-used index directory: %w", err)
	}

	keys := make([]lastUsedKey, 0, len(idx.rows))
	for k := range idx.rows {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].projectName != keys[j].projectName {
			return keys[i].projectName < keys[j].projectName
		}
		if keys[i].taskName != keys[j].taskName {
			return keys[i].taskName < keys[j].taskName
		}
		return keys[i].digestHex < keys[j].digestHex
	})

	tmp := idx.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("cache: writing last-used index: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, k := range keys {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", k.projectName, k.taskName, k.digestHex, idx.rows[k].UnixNano())
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("cache: writing last-used index: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("cache: writing last-used index: %w", err)
	}
	return os.Rename(tmp, idx.path)
}
