package dump

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrSnapshotNotFound indicates the requested snapshot doesn't exist
var ErrSnapshotNotFound = errors.New("snapshot not found")

// Store persists heap snapshots in a SQLite database.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex
}

// OpenStore opens (creating if needed) a snapshot database at dbPath.
func OpenStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		runtime_id TEXT NOT NULL,
		taken_at TIMESTAMP NOT NULL,
		objects INTEGER NOT NULL,
		data BLOB NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	return &Store{db: db, dbPath: dbPath}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Save writes a snapshot and returns its row id.
func (s *Store) Save(snap *Snapshot) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshaling snapshot: %w", err)
	}

	result, err := s.db.Exec(
		"INSERT INTO snapshots (runtime_id, taken_at, objects, data) VALUES (?, ?, ?, ?)",
		snap.RuntimeID, snap.TakenAt.UTC(), len(snap.Objects), data,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting snapshot: %w", err)
	}
	return result.LastInsertId()
}

// Load reads back the snapshot with the given row id.
func (s *Store) Load(id int64) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var data []byte
	err := s.db.QueryRow("SELECT data FROM snapshots WHERE id = ?", id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying snapshot: %w", err)
	}
	return Unmarshal(data)
}

// SnapshotInfo summarizes a stored snapshot without decoding its body.
type SnapshotInfo struct {
	ID        int64
	RuntimeID string
	TakenAt   time.Time
	Objects   int64
}

// List returns metadata for all stored snapshots, newest first.
func (s *Store) List() ([]SnapshotInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		"SELECT id, runtime_id, taken_at, objects FROM snapshots ORDER BY id DESC")
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	defer rows.Close()

	var infos []SnapshotInfo
	for rows.Next() {
		var info SnapshotInfo
		if err := rows.Scan(&info.ID, &info.RuntimeID, &info.TakenAt, &info.Objects); err != nil {
			return nil, fmt.Errorf("scanning snapshot row: %w", err)
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}
