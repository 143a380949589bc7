// Package engine supervises the running bot instances. It is the only
// component that creates or stops instances; the API and the reconciliation
// loop both go through Service.
package engine

import (
	"context"
	"errors"

	"bot-core/internal/strategy"
	"bot-core/pkg/db"
)

var (
	ErrBotNotFound    = errors.New("bot not found")
	ErrNotRunning     = errors.New("bot is not running")
	ErrAccountLimit   = errors.New("account bot limit reached")
	ErrSymbolConflict = errors.New("account already runs a bot on this symbol")
)

// Service is the control surface exposed to operators.
type Service interface {
	CreateBot(ctx context.Context, userID, connectionID string, cfg strategy.Config) (*db.Bot, error)
	DeleteBot(ctx context.Context, userID, botID string) error

	StartBot(ctx context.Context, userID, botID string) error
	StopBot(ctx context.Context, userID, botID string, closePosition bool) error
	PauseBot(ctx context.Context, userID, botID string) error
	ResumeBot(ctx context.Context, userID, botID string) error
	// UpdateConfig stores a new config version. A running instance keeps its
	// current version until it is restarted.
	UpdateConfig(ctx context.Context, userID, botID string, cfg strategy.Config, note string) (int, error)

	GetStatus(ctx context.Context, userID, botID string) (*BotStatus, error)
	ListBots(ctx context.Context, userID string) ([]BotStatus, error)
	GetSystemStatus(ctx context.Context) *SystemStatus
}

// Store is the persistence the orchestrator needs. *db.UserQueries satisfies it.
type Store interface {
	CreateBot(ctx context.Context, b db.Bot) error
	DeleteBot(ctx context.Context, userID, botID string) error
	GetBot(ctx context.Context, userID, botID string) (*db.Bot, error)
	ListBotsByUser(ctx context.Context, userID string) ([]db.Bot, error)
	UpdateBotConfig(ctx context.Context, userID, botID, configJSON, note string) (int, error)
	SetDesiredStatus(ctx context.Context, userID, botID, status string) error
	UpdateBotStatus(ctx context.Context, botID, status, lastError string) error
	ResetRunningBots(ctx context.Context) (int64, error)
	SaveTrade(ctx context.Context, t db.Trade) error
}
