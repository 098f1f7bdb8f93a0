// Package registry is the durable room store. Rooms are administrative
// records (id, display name, creation time) persisted in SQLite; live call
// state never touches this package.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
`

// createRetries bounds ID collision retries on insert. With 36^12 possible
// IDs a single retry should never happen in practice.
const createRetries = 5

// Room is one durable room record. CreatedAt is Unix milliseconds.
type Room struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"createdAt"`
}

// Registry stores rooms in a SQLite database. All methods are safe for
// concurrent use; database/sql serializes access to the single writer.
type Registry struct {
	db *sql.DB

	// now is a seam for tests.
	now func() time.Time
}

// Open opens (creating if needed) the SQLite database at path and ensures
// the schema exists. Parent directories are created.
func Open(path string) (*Registry, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create registry dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply registry schema: %w", err)
	}

	return &Registry{db: db, now: time.Now}, nil
}

func (r *Registry) Close() error {
	return r.db.Close()
}

// CreateRoom generates a fresh ID, persists the room, and returns it. The
// write is synchronous: once this returns, the room survives a restart. The
// name is trimmed and must not be empty.
func (r *Registry) CreateRoom(ctx context.Context, name string) (Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Room{}, errors.New("room name must not be empty")
	}

	createdAt := r.now().UnixMilli()

	for attempt := 0; attempt < createRetries; attempt++ {
		id, err := GenerateRoomID()
		if err != nil {
			return Room{}, err
		}

		_, err = r.db.ExecContext(ctx,
			`INSERT INTO rooms (id, name, created_at) VALUES (?, ?, ?)`,
			id, name, createdAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				continue
			}
			return Room{}, fmt.Errorf("insert room: %w", err)
		}

		return Room{ID: id, Name: name, CreatedAt: createdAt}, nil
	}

	return Room{}, errors.New("could not generate a unique room id")
}

// GetRoom looks up a room by ID. The second return is false when no such
// room exists.
func (r *Registry) GetRoom(ctx context.Context, id string) (Room, bool, error) {
	var room Room
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM rooms WHERE id = ?`, id,
	).Scan(&room.ID, &room.Name, &room.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Room{}, false, nil
	}
	if err != nil {
		return Room{}, false, fmt.Errorf("select room: %w", err)
	}
	return room, true, nil
}

// ListRooms returns all rooms, most recently created first. Ties on
// created_at are broken by id so the order is stable.
func (r *Registry) ListRooms(ctx context.Context) ([]Room, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, created_at FROM rooms ORDER BY created_at DESC, id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	rooms := []Room{}
	for rows.Next() {
		var room Room
		if err := rows.Scan(&room.ID, &room.Name, &room.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return rooms, nil
}

// DeleteRoom removes a room by ID and reports whether a row existed.
func (r *Registry) DeleteRoom(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM rooms WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete room: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete room: %w", err)
	}
	return n > 0, nil
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite reports SQLITE_CONSTRAINT_PRIMARYKEY in the error
	// string; there is no exported sentinel to match on.
	return err != nil && strings.Contains(err.Error(), "constraint")
}
