// Package manifest handles pyre.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// DefaultHeapSize is used when the manifest does not set runtime.heap-size.
const DefaultHeapSize = 8 << 20

// Manifest represents a pyre.toml project configuration.
type Manifest struct {
	Project  Project        `toml:"project"`
	Runtime  RuntimeConfig  `toml:"runtime"`
	Snapshot SnapshotConfig `toml:"snapshot"`

	// Dir is the directory containing the pyre.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// RuntimeConfig configures the runtime core.
type RuntimeConfig struct {
	// HeapSize is the semispace size in bytes. Each of the two spaces
	// gets this many bytes.
	HeapSize uint64 `toml:"heap-size"`

	// GCLog enables per-collection debug logging.
	GCLog bool `toml:"gc-log"`
}

// SnapshotConfig configures heap snapshot output.
type SnapshotConfig struct {
	// Database is the SQLite file snapshots are written to, relative
	// to the manifest directory unless absolute.
	Database string `toml:"database"`
}

// Load parses a pyre.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, "pyre.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	// Defaults
	if m.Runtime.HeapSize == 0 {
		m.Runtime.HeapSize = DefaultHeapSize
	}
	if m.Snapshot.Database == "" {
		m.Snapshot.Database = "snapshots.db"
	}

	return &m, nil
}

// FindAndLoad walks up from startDir to find a pyre.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, "pyre.toml")
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// DatabasePath returns the absolute path of the snapshot database.
func (m *Manifest) DatabasePath() string {
	if filepath.IsAbs(m.Snapshot.Database) {
		return m.Snapshot.Database
	}
	return filepath.Join(m.Dir, m.Snapshot.Database)
}
