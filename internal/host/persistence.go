package host

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/nsesodia/octave-vm/internal/value"
)

// ErrUnstorableValue indicates a value kind the store has no wire
// representation for (function handles, refs, host objects).
var ErrUnstorableValue = errors.New("value kind cannot be persisted")

// Store persists global variables across sessions in SQLite, so a
// workspace survives a host restart the way the interpreter's global
// store does.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenStore opens (creating if needed) the store at dbPath.
func OpenStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS globals (
		name TEXT PRIMARY KEY,
		data JSON NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// storedValue is the JSON shape one global serializes to.
type storedValue struct {
	Kind string    `json:"kind"`
	Num  float64   `json:"num,omitempty"`
	Bool bool      `json:"bool,omitempty"`
	Str  string    `json:"str,omitempty"`
	Rows int       `json:"rows,omitempty"`
	Cols int       `json:"cols,omitempty"`
	Data []float64 `json:"data,omitempty"`
}

func encodeValue(v value.Value) (*storedValue, error) {
	switch t := v.Deref().(type) {
	case value.Scalar:
		return &storedValue{Kind: "scalar", Num: float64(t)}, nil
	case value.Bool:
		return &storedValue{Kind: "bool", Bool: bool(t)}, nil
	case value.Str:
		return &storedValue{Kind: "string", Str: string(t)}, nil
	case *value.Matrix:
		return &storedValue{Kind: "matrix", Rows: t.Rows, Cols: t.Cols, Data: t.Data}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnstorableValue, v.TypeID())
	}
}

func decodeValue(sv *storedValue) (value.Value, error) {
	switch sv.Kind {
	case "scalar":
		return value.Scalar(sv.Num), nil
	case "bool":
		return value.Bool(sv.Bool), nil
	case "string":
		return value.Str(sv.Str), nil
	case "matrix":
		data := sv.Data
		if data == nil {
			data = []float64{}
		}
		return value.NewMatrixFrom(sv.Rows, sv.Cols, data), nil
	default:
		return nil, fmt.Errorf("unknown stored value kind %q", sv.Kind)
	}
}

// SaveGlobal upserts one global. Unstorable kinds are skipped with
// ErrUnstorableValue so callers can treat persistence as advisory.
func (s *Store) SaveGlobal(name string, v value.Value) error {
	sv, err := encodeValue(v)
	if err != nil {
		return err
	}
	data, err := json.Marshal(sv)
	if err != nil {
		return fmt.Errorf("encoding global %q: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(
		`INSERT INTO globals (name, data) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET data = excluded.data`,
		name, string(data))
	if err != nil {
		return fmt.Errorf("saving global %q: %w", name, err)
	}
	return nil
}

// LoadGlobals reads every persisted global.
func (s *Store) LoadGlobals() (map[string]value.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query("SELECT name, data FROM globals")
	if err != nil {
		return nil, fmt.Errorf("querying globals: %w", err)
	}
	defer rows.Close()

	out := make(map[string]value.Value)
	for rows.Next() {
		var name, data string
		if err := rows.Scan(&name, &data); err != nil {
			return nil, fmt.Errorf("scanning global row: %w", err)
		}
		var sv storedValue
		if err := json.Unmarshal([]byte(data), &sv); err != nil {
			return nil, fmt.Errorf("decoding global %q: %w", name, err)
		}
		v, err := decodeValue(&sv)
		if err != nil {
			return nil, fmt.Errorf("decoding global %q: %w", name, err)
		}
		out[name] = v
	}
	return out, rows.Err()
}

// DeleteGlobal removes one persisted global (`clear -global name`).
func (s *Store) DeleteGlobal(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec("DELETE FROM globals WHERE name = ?", name)
	return err
}
