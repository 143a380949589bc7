package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Bot status values persisted in bots.status and bots.desired_status.
const (
	StatusRunning = "RUNNING"
	StatusPaused  = "PAUSED"
	StatusStopped = "STOPPED"
	StatusError   = "ERROR"
)

// User represents an account holder.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Connection holds sealed venue credentials of an account.
type Connection struct {
	ID                 string
	UserID             string
	ExchangeType       string
	Name               string
	APIKeyEncrypted    string
	APISecretEncrypted string
	KeyVersion         int
	Testnet            bool
	IsActive           bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Bot is the persisted desired state and last known status of an instance.
type Bot struct {
	ID            string
	UserID        string
	ConnectionID  string
	Name          string
	Symbol        string
	ConfigJSON    string
	ConfigVersion int
	DesiredStatus string
	Status        string
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// BotConfigVersion is one immutable config revision of a bot.
type BotConfigVersion struct {
	BotID      string
	Version    int
	ConfigJSON string
	Note       string
	CreatedAt  time.Time
}

// Trade is a closed round trip.
type Trade struct {
	ID         string
	BotID      string
	UserID     string
	Symbol     string
	Side       string
	Qty        float64
	EntryPrice float64
	ExitPrice  float64
	Fee        float64
	PnL        float64
	Reason     string
	OpenedAt   time.Time
	ClosedAt   time.Time
}

// BotEvent is one audit journal row.
type BotEvent struct {
	ID        int64
	BotID     string
	UserID    string
	Kind      string
	Message   string
	Payload   string
	CreatedAt time.Time
}

// CreateUser inserts a user row.
func (d *Database) CreateUser(ctx context.Context, u User) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, created_at, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`, u.ID, u.Email, u.PasswordHash)
	return err
}

// GetUserByEmail fetches a user by email.
func (d *Database) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return d.scanUser(d.DB.QueryRowContext(ctx, `
		SELECT id, email, password_hash, created_at, updated_at FROM users WHERE email = ?
	`, email))
}

// GetUserByID fetches a user by id.
func (d *Database) GetUserByID(ctx context.Context, id string) (*User, error) {
	return d.scanUser(d.DB.QueryRowContext(ctx, `
		SELECT id, email, password_hash, created_at, updated_at FROM users WHERE id = ?
	`, id))
}

func (d *Database) scanUser(row *sql.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

// ListUserIDs returns every account id.
func (d *Database) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT id FROM users ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
