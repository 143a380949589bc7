// Package db provides account-isolated persistence for bots, configs, trades and audit events.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrAccountRequired = errors.New("account id is required for data isolation")
	ErrNotFound        = errors.New("record not found")
)

// UserQueries provides account-isolated queries.
type UserQueries struct {
	db *sql.DB
}

// NewUserQueries creates a new UserQueries instance.
func NewUserQueries(db *sql.DB) *UserQueries {
	return &UserQueries{db: db}
}

// ----------------------------------------
// Connection Queries
// ----------------------------------------

// CreateConnection stores sealed credentials for an account.
func (q *UserQueries) CreateConnection(ctx context.Context, c Connection) error {
	if c.UserID == "" {
		return ErrAccountRequired
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO connections (
			id, user_id, exchange_type, name, api_key_encrypted, api_secret_encrypted,
			key_version, testnet, is_active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`, c.ID, c.UserID, c.ExchangeType, c.Name, c.APIKeyEncrypted, c.APISecretEncrypted, c.KeyVersion, c.Testnet)
	return err
}

// GetConnectionsByUser returns active connections of an account.
func (q *UserQueries) GetConnectionsByUser(ctx context.Context, userID string) ([]Connection, error) {
	if userID == "" {
		return nil, ErrAccountRequired
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, user_id, exchange_type, name, api_key_encrypted, api_secret_encrypted,
		       COALESCE(key_version, 1), testnet, is_active, created_at, updated_at
		FROM connections
		WHERE user_id = ? AND is_active = 1
		ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query connections: %w", err)
	}
	defer rows.Close()

	var out []Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// GetConnectionByID returns one connection scoped to its account.
func (q *UserQueries) GetConnectionByID(ctx context.Context, userID, connectionID string) (*Connection, error) {
	if userID == "" {
		return nil, ErrAccountRequired
	}
	row := q.db.QueryRowContext(ctx, `
		SELECT id, user_id, exchange_type, name, api_key_encrypted, api_secret_encrypted,
		       COALESCE(key_version, 1), testnet, is_active, created_at, updated_at
		FROM connections
		WHERE id = ? AND user_id = ?
	`, connectionID, userID)
	c, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// DeactivateConnection disables a connection of an account.
func (q *UserQueries) DeactivateConnection(ctx context.Context, userID, connectionID string) error {
	if userID == "" {
		return ErrAccountRequired
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE connections SET is_active = 0, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND user_id = ?
	`, connectionID, userID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(r rowScanner) (*Connection, error) {
	var c Connection
	if err := r.Scan(&c.ID, &c.UserID, &c.ExchangeType, &c.Name, &c.APIKeyEncrypted, &c.APISecretEncrypted,
		&c.KeyVersion, &c.Testnet, &c.IsActive, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan connection: %w", err)
	}
	return &c, nil
}

// ----------------------------------------
// Bot Queries
// ----------------------------------------

const botColumns = `id, user_id, connection_id, name, symbol, config_json, config_version,
	desired_status, status, last_error, created_at, updated_at`

func scanBot(r rowScanner) (*Bot, error) {
	var b Bot
	if err := r.Scan(&b.ID, &b.UserID, &b.ConnectionID, &b.Name, &b.Symbol, &b.ConfigJSON, &b.ConfigVersion,
		&b.DesiredStatus, &b.Status, &b.LastError, &b.CreatedAt, &b.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan bot: %w", err)
	}
	return &b, nil
}

// CreateBot inserts a bot together with config version 1.
func (q *UserQueries) CreateBot(ctx context.Context, b Bot) error {
	if b.UserID == "" {
		return ErrAccountRequired
	}
	if b.DesiredStatus == "" {
		b.DesiredStatus = StatusStopped
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO bots (id, user_id, connection_id, name, symbol, config_json, config_version,
			desired_status, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`, b.ID, b.UserID, b.ConnectionID, b.Name, strings.ToUpper(b.Symbol), b.ConfigJSON, b.DesiredStatus, StatusStopped); err != nil {
		return fmt.Errorf("insert bot: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO bot_config_versions (bot_id, version, config_json, note, created_at)
		VALUES (?, 1, ?, 'created', CURRENT_TIMESTAMP)
	`, b.ID, b.ConfigJSON); err != nil {
		return fmt.Errorf("insert config version: %w", err)
	}
	return tx.Commit()
}

// GetBot returns a bot owned by userID.
func (q *UserQueries) GetBot(ctx context.Context, userID, botID string) (*Bot, error) {
	if userID == "" {
		return nil, ErrAccountRequired
	}
	return scanBot(q.db.QueryRowContext(ctx, `SELECT `+botColumns+` FROM bots WHERE id = ? AND user_id = ?`, botID, userID))
}

// GetBotByID returns a bot regardless of owner. Used by the orchestrator only.
func (q *UserQueries) GetBotByID(ctx context.Context, botID string) (*Bot, error) {
	return scanBot(q.db.QueryRowContext(ctx, `SELECT `+botColumns+` FROM bots WHERE id = ?`, botID))
}

// ListBotsByUser returns the bots of one account.
func (q *UserQueries) ListBotsByUser(ctx context.Context, userID string) ([]Bot, error) {
	if userID == "" {
		return nil, ErrAccountRequired
	}
	return q.listBots(ctx, `SELECT `+botColumns+` FROM bots WHERE user_id = ? ORDER BY created_at`, userID)
}

// ListAllBots returns every bot. Used by reconciliation.
func (q *UserQueries) ListAllBots(ctx context.Context) ([]Bot, error) {
	return q.listBots(ctx, `SELECT `+botColumns+` FROM bots ORDER BY created_at`)
}

func (q *UserQueries) listBots(ctx context.Context, query string, args ...any) ([]Bot, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query bots: %w", err)
	}
	defer rows.Close()

	var out []Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// UpdateBotConfig stores configJSON as the next version of the bot and
// returns that version. The running instance is not touched.
func (q *UserQueries) UpdateBotConfig(ctx context.Context, userID, botID, configJSON, note string) (int, error) {
	if userID == "" {
		return 0, ErrAccountRequired
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT config_version FROM bots WHERE id = ? AND user_id = ?`, botID, userID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	next := current + 1
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO bot_config_versions (bot_id, version, config_json, note, created_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
	`, botID, next, configJSON, note); err != nil {
		return 0, fmt.Errorf("insert config version: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE bots SET config_json = ?, config_version = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND user_id = ?
	`, configJSON, next, botID, userID); err != nil {
		return 0, fmt.Errorf("update bot config: %w", err)
	}
	return next, tx.Commit()
}

// UpsertBotConfig creates the bot or, when its config changed, appends a
// new version. autoStart marks the bot as desired RUNNING.
func (q *UserQueries) UpsertBotConfig(ctx context.Context, userID, botID, name, symbol, configJSON string, autoStart bool) (int, error) {
	if userID == "" {
		return 0, ErrAccountRequired
	}
	existing, err := q.GetBot(ctx, userID, botID)
	if errors.Is(err, ErrNotFound) {
		desired := StatusStopped
		if autoStart {
			desired = StatusRunning
		}
		err = q.CreateBot(ctx, Bot{ID: botID, UserID: userID, Name: name, Symbol: symbol, ConfigJSON: configJSON, DesiredStatus: desired})
		return 1, err
	}
	if err != nil {
		return 0, err
	}
	version := existing.ConfigVersion
	if existing.ConfigJSON != configJSON {
		if version, err = q.UpdateBotConfig(ctx, userID, botID, configJSON, "synced from file"); err != nil {
			return 0, err
		}
	}
	if autoStart && existing.DesiredStatus != StatusRunning {
		if err := q.SetDesiredStatus(ctx, userID, botID, StatusRunning); err != nil {
			return 0, err
		}
	}
	return version, nil
}

// ListConfigVersions returns the config history of a bot, newest first.
func (q *UserQueries) ListConfigVersions(ctx context.Context, userID, botID string) ([]BotConfigVersion, error) {
	if userID == "" {
		return nil, ErrAccountRequired
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT v.bot_id, v.version, v.config_json, v.note, v.created_at
		FROM bot_config_versions v
		JOIN bots b ON b.id = v.bot_id
		WHERE v.bot_id = ? AND b.user_id = ?
		ORDER BY v.version DESC
	`, botID, userID)
	if err != nil {
		return nil, fmt.Errorf("query config versions: %w", err)
	}
	defer rows.Close()

	var out []BotConfigVersion
	for rows.Next() {
		var v BotConfigVersion
		if err := rows.Scan(&v.BotID, &v.Version, &v.ConfigJSON, &v.Note, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan config version: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// SetDesiredStatus records what the operator wants the bot to be doing.
func (q *UserQueries) SetDesiredStatus(ctx context.Context, userID, botID, status string) error {
	if userID == "" {
		return ErrAccountRequired
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE bots SET desired_status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND user_id = ?
	`, status, botID, userID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// UpdateBotStatus snapshots the runtime status of a bot.
func (q *UserQueries) UpdateBotStatus(ctx context.Context, botID, status, lastError string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE bots SET status = ?, last_error = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, status, lastError, botID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// ResetRunningBots marks every RUNNING or PAUSED snapshot as STOPPED. Called
// at boot, before any runtime exists.
func (q *UserQueries) ResetRunningBots(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE bots SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE status IN (?, ?)
	`, StatusStopped, StatusRunning, StatusPaused)
	if err != nil {
		return 0, fmt.Errorf("reset running bots: %w", err)
	}
	return res.RowsAffected()
}

// DeleteBot removes a bot and its config history.
func (q *UserQueries) DeleteBot(ctx context.Context, userID, botID string) error {
	if userID == "" {
		return ErrAccountRequired
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM bots WHERE id = ? AND user_id = ?`, botID, userID)
	if err != nil {
		return err
	}
	if err := requireAffected(res); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM bot_config_versions WHERE bot_id = ?`, botID); err != nil {
		return err
	}
	return tx.Commit()
}

// ----------------------------------------
// Trade Queries
// ----------------------------------------

// SaveTrade inserts a closed trade.
func (q *UserQueries) SaveTrade(ctx context.Context, t Trade) error {
	if t.UserID == "" {
		return ErrAccountRequired
	}
	if t.ClosedAt.IsZero() {
		t.ClosedAt = time.Now()
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO trades (id, bot_id, user_id, symbol, side, qty, entry_price, exit_price, fee, pnl, reason, opened_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.BotID, t.UserID, t.Symbol, t.Side, t.Qty, t.EntryPrice, t.ExitPrice, t.Fee, t.PnL, t.Reason, t.OpenedAt.UTC(), t.ClosedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// GetTradesByUser returns recent trades of an account, newest first.
func (q *UserQueries) GetTradesByUser(ctx context.Context, userID string, limit int) ([]Trade, error) {
	if userID == "" {
		return nil, ErrAccountRequired
	}
	return q.listTrades(ctx, `WHERE user_id = ?`, limit, userID)
}

// GetTradesByBot returns recent trades of one bot, newest first.
func (q *UserQueries) GetTradesByBot(ctx context.Context, userID, botID string, limit int) ([]Trade, error) {
	if userID == "" {
		return nil, ErrAccountRequired
	}
	return q.listTrades(ctx, `WHERE user_id = ? AND bot_id = ?`, limit, userID, botID)
}

func (q *UserQueries) listTrades(ctx context.Context, where string, limit int, args ...any) ([]Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, bot_id, user_id, symbol, side, qty, entry_price, exit_price, fee, pnl, reason, opened_at, closed_at
		FROM trades `+where+`
		ORDER BY closed_at DESC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		var t Trade
		if err := rows.Scan(&t.ID, &t.BotID, &t.UserID, &t.Symbol, &t.Side, &t.Qty, &t.EntryPrice, &t.ExitPrice,
			&t.Fee, &t.PnL, &t.Reason, &t.OpenedAt, &t.ClosedAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Audit Journal
// ----------------------------------------

// InsertEvents writes a batch of journal rows in one transaction.
func (q *UserQueries) InsertEvents(ctx context.Context, events []BotEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO bot_events (bot_id, user_id, kind, message, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare event insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, e.BotID, e.UserID, e.Kind, e.Message, e.Payload, e.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}
	return tx.Commit()
}

// GetEventsByBot returns recent journal rows of a bot, newest first.
func (q *UserQueries) GetEventsByBot(ctx context.Context, userID, botID string, limit int) ([]BotEvent, error) {
	if userID == "" {
		return nil, ErrAccountRequired
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, bot_id, user_id, kind, message, payload, created_at
		FROM bot_events
		WHERE user_id = ? AND bot_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, userID, botID, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []BotEvent
	for rows.Next() {
		var e BotEvent
		if err := rows.Scan(&e.ID, &e.BotID, &e.UserID, &e.Kind, &e.Message, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
