package lock

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// Holder is the diagnostic record an exclusive holder writes into the lock
// file. It survives release, so it describes the last exclusive holder.
type Holder struct {
	PID        int    `json:"pid"`
	Hostname   string `json:"hostname"`
	AcquiredAt string `json:"acquired_at"` // UTC RFC3339Nano
}

// newHolder describes the current process.
func newHolder(now time.Time) Holder {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}
	return Holder{
		PID:        os.Getpid(),
		Hostname:   hostname,
		AcquiredAt: now.UTC().Format(time.RFC3339Nano),
	}
}

// Local reports whether the holder ran on this host.
func (h *Holder) Local() bool {
	hostname, _ := os.Hostname()
	return h != nil && hostname != "" && h.Hostname == hostname
}

// Alive reports whether the holder process still runs. Holders from other
// hosts are reported alive because they cannot be checked.
func (h *Holder) Alive() bool {
	if h == nil || h.PID <= 0 {
		return false
	}
	if !h.Local() {
		return true
	}
	return processAlive(h.PID)
}

// ReadHolder parses the holder record stored in a lock file. An empty or
// missing file yields (nil, nil).
func ReadHolder(path string) (*Holder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil, nil
	}
	var h Holder
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("parse lock holder %s: %w", path, err)
	}
	return &h, nil
}

// writeHolder replaces the lock file content with the holder record.
func writeHolder(f *os.File, h Holder) error {
	data, err := json.Marshal(h)
	if err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	_, err = f.WriteAt(append(data, '\n'), 0)
	return err
}

// Status describes a lock file as seen from outside.
type Status struct {
	Path        string  `json:"path"`
	Exists      bool    `json:"exists"`
	Locked      bool    `json:"locked"`
	Holder      *Holder `json:"holder,omitempty"`
	HolderAlive bool    `json:"holder_alive"`
}

// Inspect reports whether path is currently held exclusively and who held
// it last. It never creates the lock file.
func Inspect(path string) (*Status, error) {
	st := &Status{Path: path}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	defer f.Close()
	st.Exists = true

	// A shared try-lock fails only while someone holds it exclusively
	ok, err := tryLock(f, Shared)
	if err != nil {
		return nil, fmt.Errorf("check lock file %s: %w", path, err)
	}
	if ok {
		_ = unlock(f)
	}
	st.Locked = !ok

	holder, err := ReadHolder(path)
	if err != nil {
		return nil, err
	}
	st.Holder = holder
	st.HolderAlive = holder.Alive()
	return st, nil
}
