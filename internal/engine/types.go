package engine

import (
	"time"

	"bot-core/internal/bot"
)

// BotStatus combines the persisted state of a bot with its live runtime
// report when an instance is running.
type BotStatus struct {
	ID            string      `json:"id"`
	UserID        string      `json:"user_id"`
	ConnectionID  string      `json:"connection_id,omitempty"`
	Name          string      `json:"name"`
	Symbol        string      `json:"symbol"`
	ConfigVersion int         `json:"config_version"`
	DesiredStatus string      `json:"desired_status"`
	Status        string      `json:"status"`
	LastError     string      `json:"last_error,omitempty"`
	Running       bool        `json:"running"`
	Runtime       *bot.Report `json:"runtime,omitempty"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// RunningBot is the orchestrator's view of one live instance.
type RunningBot struct {
	ID     string     `json:"id"`
	UserID string     `json:"user_id"`
	Symbol string     `json:"symbol"`
	Status bot.Status `json:"status"`
}

// HealthIssue is raised by the health check for a live instance.
type HealthIssue struct {
	BotID        string    `json:"bot_id"`
	UserID       string    `json:"user_id"`
	Reason       string    `json:"reason"`
	LastActivity time.Time `json:"last_activity"`
	RecentErrors int       `json:"recent_errors"`
}

func (h HealthIssue) String() string {
	return h.BotID + " unhealthy: " + h.Reason
}

// Health reasons.
const (
	ReasonStale  = "stale"
	ReasonErrors = "errors"
)

// SystemStatus represents the process runtime status.
type SystemStatus struct {
	Mode              string         `json:"mode"`
	Venue             string         `json:"venue"`
	Advisor           string         `json:"advisor"`
	Version           string         `json:"version"`
	MaxBotsPerAccount int            `json:"max_bots_per_account"`
	BotsRunning       int            `json:"bots_running"`
	BotsByAccount     map[string]int `json:"bots_by_account"`
	ServerTime        time.Time      `json:"server_time"`
}
