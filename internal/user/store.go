package user

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/mxbridge/signal-provisioning/internal/signald"

	_ "github.com/mattn/go-sqlite3"
)

// User is a bridge user, keyed by Matrix user ID. Username holds the linked
// Signal phone number and is empty until a link completes.
type User struct {
	MXID     string
	Username string
	UUID     string
}

// IsLoggedIn reports whether the user has a linked Signal account.
func (u *User) IsLoggedIn() bool {
	return u.Username != ""
}

// Store persists bridge users in sqlite.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewStore opens (and if needed creates) the bridge database.
func NewStore(path string, log zerolog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	schema := `CREATE TABLE IF NOT EXISTS "user" (
		mxid     TEXT PRIMARY KEY,
		username TEXT NOT NULL DEFAULT '',
		uuid     TEXT NOT NULL DEFAULT ''
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create user table: %w", err)
	}

	return &Store{db: db, log: log.With().Str("component", "user-store").Logger()}, nil
}

// GetByMXID fetches the user, creating an empty row on first sight. Every
// authenticated caller becomes a bridge user this way.
func (s *Store) GetByMXID(mxid string) (*User, error) {
	u := &User{MXID: mxid}
	row := s.db.QueryRow(`SELECT username, uuid FROM "user" WHERE mxid = ?`, mxid)
	err := row.Scan(&u.Username, &u.UUID)
	switch {
	case err == sql.ErrNoRows:
		if _, err := s.db.Exec(`INSERT INTO "user" (mxid) VALUES (?)`, mxid); err != nil {
			return nil, fmt.Errorf("failed to create user %s: %w", mxid, err)
		}
		s.log.Debug().Str("mxid", mxid).Msg("Created new bridge user")
		return u, nil
	case err != nil:
		return nil, fmt.Errorf("failed to get user %s: %w", mxid, err)
	}
	return u, nil
}

// SetSignalAccount records a completed link against the user.
func (s *Store) SetSignalAccount(mxid, number, uuid string) error {
	_, err := s.db.Exec(`UPDATE "user" SET username = ?, uuid = ? WHERE mxid = ?`, number, uuid, mxid)
	if err != nil {
		return fmt.Errorf("failed to store signal account for %s: %w", mxid, err)
	}
	return nil
}

// OnSignIn records a completed linking handshake. Satisfies the linking
// coordinator's AccountRecorder.
func (s *Store) OnSignIn(ctx context.Context, mxid string, account *signald.Account) error {
	s.log.Info().
		Str("mxid", mxid).
		Str("number", account.Address.Number).
		Msg("Recording linked signal account")
	return s.SetSignalAccount(mxid, account.Address.Number, account.Address.UUID)
}

// ClearSignalAccount removes the user's linked account on logout.
func (s *Store) ClearSignalAccount(mxid string) error {
	_, err := s.db.Exec(`UPDATE "user" SET username = '', uuid = '' WHERE mxid = ?`, mxid)
	if err != nil {
		return fmt.Errorf("failed to clear signal account for %s: %w", mxid, err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
