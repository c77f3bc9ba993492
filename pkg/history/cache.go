// Package history implements C8 (the on-disk trial cache) and C9 (the
// history assembler), mirroring opthub_runner_admin.scorer.cache.Cache and
// opthub_runner_admin.scorer.history.make_history from the original
// implementation. The cache is a prefix accelerator: it holds every trial
// already merged for a (match, participant) pair so repeated score
// computations don't replay the whole range query against the store every
// time.
package history

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opthub-org/opthub-runner/pkg/opthuberr"
)

// Trial is one merged evaluation+score record as handed to an indicator
// container's stdin.
type Trial struct {
	TrialNo    string `json:"trial_no"`
	Objective  any    `json:"objective"`
	Constraint any    `json:"constraint"`
	Info       any    `json:"info"`
	Score      any    `json:"score"`
	Feasible   any    `json:"feasible"`
}

// Cache is a single-file, append-only JSONL buffer kept in memory and
// mirrored to disk so a restart does not require re-fetching the full
// trial history from the store.
type Cache struct {
	baseDir string
	loaded  string
	values  []Trial
}

// NewCache builds a Cache rooted at baseDir. The directory is created by
// Load if it does not exist yet.
func NewCache(baseDir string) *Cache {
	return &Cache{baseDir: baseDir}
}

func (c *Cache) path(name string) string {
	return filepath.Join(c.baseDir, name+".jsonl")
}

// Load reads name's cache file into memory. Calling Load again with the
// same name already loaded is a no-op; calling it with a different name
// replaces the in-memory buffer.
func (c *Cache) Load(name string) error {
	if c.loaded == name {
		return nil
	}
	c.values = nil
	c.loaded = name

	if err := os.MkdirAll(c.baseDir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", opthuberr.ErrCacheRead, err)
	}

	f, err := os.Open(c.path(name))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", opthuberr.ErrCacheRead, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var t Trial
		if err := json.Unmarshal(line, &t); err != nil {
			return fmt.Errorf("%w: %v", opthuberr.ErrCacheRead, err)
		}
		c.values = append(c.values, t)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: %v", opthuberr.ErrCacheRead, err)
	}
	return nil
}

// Append writes value to the currently loaded cache file and its in-memory
// buffer. It returns ErrCacheWrite if nothing has been loaded yet — a
// caller bug, not a runtime condition.
func (c *Cache) Append(value Trial) error {
	if c.loaded == "" {
		return fmt.Errorf("%w: append called before load", opthuberr.ErrCacheWrite)
	}

	f, err := os.OpenFile(c.path(c.loaded), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: %v", opthuberr.ErrCacheWrite, err)
	}
	defer f.Close()

	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: %v", opthuberr.ErrCacheWrite, err)
	}
	if _, err := f.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("%w: %v", opthuberr.ErrCacheWrite, err)
	}

	c.values = append(c.values, value)
	return nil
}

// GetValues returns every trial currently held in memory.
func (c *Cache) GetValues() ([]Trial, error) {
	if c.loaded == "" {
		return nil, fmt.Errorf("%w: get values called before load", opthuberr.ErrCacheRead)
	}
	return c.values, nil
}

// Clear removes the currently loaded cache file from disk and empties the
// in-memory buffer.
func (c *Cache) Clear() error {
	if c.loaded == "" {
		return nil
	}
	if err := os.Remove(c.path(c.loaded)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", opthuberr.ErrCacheWrite, err)
	}
	c.values = nil
	return nil
}

// CacheName builds the cache file's base name for a (match, participant)
// pair.
func CacheName(matchID, participantID string) string {
	return matchID + "#" + participantID
}
