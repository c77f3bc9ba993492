// Package stopflag implements C11: the cooperative stop-flag coordinator a
// running worker polls to learn it has been asked to shut down, and the
// "stop" command uses to ask it. It mirrors
// opthub_runner_admin.utils.process's create_flag_file/is_stop_flag_set/stop
// functions, built on github.com/gofrs/flock the way the Python original
// uses filelock.FileLock, with the flag and lock file names spec.md §6
// documents: "<process_name>.json" and "<process_name>.json.lock".
package stopflag

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

type flagFile struct {
	StopFlag bool `json:"stop_flag"`
}

// Coordinator reads and writes a single process's stop flag file.
type Coordinator struct {
	path     string
	lockPath string
}

// New builds a Coordinator for processName rooted at dir.
func New(dir, processName string) *Coordinator {
	path := filepath.Join(dir, processName+".json")
	return &Coordinator{path: path, lockPath: path + ".lock"}
}

// CreateFlagFile creates the flag file with stop=false. If the file already
// exists, it is left untouched unless force is true, in which case it is
// overwritten.
func (c *Coordinator) CreateFlagFile(force bool) error {
	if _, err := os.Stat(c.path); err == nil && !force {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("stopflag: create directory: %w", err)
	}
	return c.write(false)
}

// DeleteFlagFile removes the flag file. It refuses to do so unless the flag
// currently reads stopped, so an in-flight worker's flag is never deleted
// out from under it by a concurrent cleanup.
func (c *Coordinator) DeleteFlagFile() error {
	stopped, err := c.read()
	if err != nil {
		return err
	}
	if !stopped {
		return fmt.Errorf("stopflag: refusing to delete flag file that is not set")
	}
	return os.Remove(c.path)
}

// IsStopFlagSet reads the current flag value under an advisory file lock,
// retrying with exponential backoff (base 2 seconds, 3 attempts) if the
// lock is contended — the same retry shape
// opthub_runner_admin.utils.process uses.
func (c *Coordinator) IsStopFlagSet() (bool, error) {
	const attempts = 3
	const base = 2 * time.Second

	lock := flock.New(c.lockPath)
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		locked, err := lock.TryLock()
		if err != nil {
			lastErr = err
		} else if locked {
			defer lock.Unlock()
			return c.read()
		} else {
			lastErr = fmt.Errorf("stopflag: lock contended")
		}
		if attempt < attempts-1 {
			time.Sleep(base * time.Duration(1<<attempt))
		}
	}
	return false, fmt.Errorf("stopflag: could not acquire lock: %w", lastErr)
}

// Stop sets the flag to stopped, under the same locking discipline as
// IsStopFlagSet.
func (c *Coordinator) Stop() error {
	const attempts = 3
	const base = 2 * time.Second

	lock := flock.New(c.lockPath)
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		locked, err := lock.TryLock()
		if err != nil {
			lastErr = err
		} else if locked {
			defer lock.Unlock()
			return c.write(true)
		} else {
			lastErr = fmt.Errorf("stopflag: lock contended")
		}
		if attempt < attempts-1 {
			time.Sleep(base * time.Duration(1<<attempt))
		}
	}
	return fmt.Errorf("stopflag: could not acquire lock: %w", lastErr)
}

func (c *Coordinator) read() (bool, error) {
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stopflag: read flag file: %w", err)
	}
	var flag flagFile
	if err := json.Unmarshal(data, &flag); err != nil {
		return false, fmt.Errorf("stopflag: decode flag file: %w", err)
	}
	return flag.StopFlag, nil
}

func (c *Coordinator) write(stop bool) error {
	encoded, err := json.Marshal(flagFile{StopFlag: stop})
	if err != nil {
		return fmt.Errorf("stopflag: encode flag file: %w", err)
	}
	return os.WriteFile(c.path, encoded, 0o644)
}
