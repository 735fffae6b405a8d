package configgen

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Usage is one deduplicated observed access.
type Usage struct {
	Tracer string
	Type   string
	Member string // empty for class lookups
	Kind   string // "class", "method", "field"
}

// Store accumulates usages in SQLite so repeated generator runs over
// successive traces merge instead of clobbering. Pass ":memory:" for
// a single-run store.
type Store struct {
	db *sql.DB
}

const storeSchema = `
CREATE TABLE IF NOT EXISTS usages (
    tracer TEXT NOT NULL,
    type   TEXT NOT NULL,
    member TEXT NOT NULL,
    kind   TEXT NOT NULL,
    PRIMARY KEY (tracer, type, member, kind)
);`

// OpenStore opens (or creates) the accumulation database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("configgen: open store: %w", err)
	}
	if _, err := db.Exec(storeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("configgen: init store schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Add records one usage; duplicates are ignored.
func (s *Store) Add(u Usage) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO usages (tracer, type, member, kind) VALUES (?, ?, ?, ?)`,
		u.Tracer, u.Type, u.Member, u.Kind,
	)
	if err != nil {
		return fmt.Errorf("configgen: add usage: %w", err)
	}
	return nil
}

// ByTracer returns all accumulated usages for one tracer, ordered by
// type then member for deterministic output.
func (s *Store) ByTracer(tracer string) ([]Usage, error) {
	rows, err := s.db.Query(
		`SELECT tracer, type, member, kind FROM usages WHERE tracer = ? ORDER BY type, kind, member`,
		tracer,
	)
	if err != nil {
		return nil, fmt.Errorf("configgen: query usages: %w", err)
	}
	defer rows.Close()

	var usages []Usage
	for rows.Next() {
		var u Usage
		if err := rows.Scan(&u.Tracer, &u.Type, &u.Member, &u.Kind); err != nil {
			return nil, fmt.Errorf("configgen: scan usage: %w", err)
		}
		usages = append(usages, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("configgen: iterate usages: %w", err)
	}
	return usages, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
