package app

import (
	"os"
	"path/filepath"
)

// Paths holds all resolved paths for a paracle project workspace
type Paths struct {
	Home string // .paracle directory
	Var  string // .paracle/var

	// Key files
	Setting      string // .paracle/setting.json
	State        string // .paracle/var/current_state.yaml
	StateLock    string // .paracle/var/current_state.yaml.lock
	Changes      string // .paracle/var/state_changes.jsonl
	ChangesIndex string // .paracle/var/state_changes.db
}

// ResolvePaths returns all paths based on the PARACLE_HOME environment variable
func ResolvePaths() Paths {
	home := os.Getenv("PARACLE_HOME")
	if home == "" {
		home = ".paracle"
	}
	return ResolvePathsFrom(home)
}

// ResolvePathsFrom builds the path layout rooted at home
func ResolvePathsFrom(home string) Paths {
	p := Paths{
		Home: home,
		Var:  filepath.Join(home, "var"),
	}

	p.Setting = filepath.Join(home, "setting.json")
	p.State = filepath.Join(p.Var, "current_state.yaml")
	p.StateLock = p.State + ".lock"
	p.Changes = filepath.Join(p.Var, "state_changes.jsonl")
	p.ChangesIndex = filepath.Join(p.Var, "state_changes.db")

	return p
}

// WithStateFile returns a copy of p with the state file (and its lock)
// replaced. Relative names are resolved against the var directory.
func (p Paths) WithStateFile(name string) Paths {
	if name == "" {
		return p
	}
	if !filepath.IsAbs(name) {
		name = filepath.Join(p.Var, name)
	}
	p.State = name
	p.StateLock = name + ".lock"
	return p
}

// WithChangesFile returns a copy of p with the change log replaced.
func (p Paths) WithChangesFile(name string) Paths {
	if name == "" {
		return p
	}
	if !filepath.IsAbs(name) {
		name = filepath.Join(p.Var, name)
	}
	p.Changes = name
	return p
}
