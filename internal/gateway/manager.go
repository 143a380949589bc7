// Package gateway keeps one venue gateway per account connection, built from
// sealed credentials and shared by every bot of that account.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"bot-core/pkg/crypto"
	"bot-core/pkg/db"
	exchange "bot-core/pkg/exchanges/common"
)

var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrGatewayUnhealthy   = errors.New("gateway is unhealthy")
	ErrPoolFull           = errors.New("gateway pool is full")
)

// Venue is what a bot needs from an account's venue.
type Venue interface {
	exchange.MarketDataGateway
	exchange.ExecutionGateway
}

// Factory builds a Venue for a connection with its opened credentials.
type Factory func(conn db.Connection, creds crypto.Credentials) (Venue, error)

// CachedGateway holds a Venue with metadata for lifecycle management.
type CachedGateway struct {
	Venue        Venue
	Key          string
	UserID       string
	ExchangeType string
	CreatedAt    time.Time
	LastUsed     time.Time
	HealthyAt    time.Time
	Failures     int
}

// Config holds configuration for the Manager.
type Config struct {
	MaxSize          int           // Maximum number of cached gateways (LRU eviction)
	IdleTimeout      time.Duration // Time before idle gateway is removed
	HealthInterval   time.Duration // Interval between health checks
	FailureThreshold int           // Number of failures before marking unhealthy
	CircuitTimeout   time.Duration // Time to wait before retrying unhealthy gateway
	// DefaultExchange is used for accounts without a stored connection; empty
	// means such accounts cannot trade.
	DefaultExchange string
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		MaxSize:          100,
		IdleTimeout:      30 * time.Minute,
		HealthInterval:   5 * time.Minute,
		FailureThreshold: 3,
		CircuitTimeout:   5 * time.Minute,
	}
}

// Manager manages a pool of venues with LRU eviction and health checks.
// Gateways in use by running bots are pinned and never evicted.
type Manager struct {
	mu       sync.RWMutex
	gateways map[string]*CachedGateway // key -> cached gateway
	lruOrder []string                  // LRU tracking (oldest first)
	pins     map[string]int

	config  Config
	keyring *crypto.Keyring
	queries *db.UserQueries
	factory Factory

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a new Manager.
func NewManager(queries *db.UserQueries, keyring *crypto.Keyring, factory Factory, cfg Config) *Manager {
	return &Manager{
		gateways: make(map[string]*CachedGateway),
		lruOrder: make([]string, 0),
		pins:     make(map[string]int),
		config:   cfg,
		keyring:  keyring,
		queries:  queries,
		factory:  factory,
		stopCh:   make(chan struct{}),
	}
}

// Start begins background cleanup and health check goroutines.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(2)

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(max(m.config.IdleTimeout/2, time.Second))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.cleanupIdle()
			}
		}
	}()

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(max(m.config.HealthInterval, time.Second))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.healthCheckAll(ctx)
			}
		}
	}()
}

// Stop shuts down the manager and closes every gateway.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, cached := range m.gateways {
		closeVenue(cached.Venue)
		delete(m.gateways, id)
	}
	m.lruOrder = nil
}

// AddConnection seals creds for userID and stores a new connection.
func (m *Manager) AddConnection(ctx context.Context, userID, exchangeType, name string, creds crypto.Credentials, testnet bool) (*db.Connection, error) {
	if userID == "" {
		return nil, db.ErrAccountRequired
	}
	var sealed crypto.SealedCredentials
	if creds.APIKey != "" || creds.APISecret != "" {
		if m.keyring == nil {
			return nil, errors.New("credential keyring not configured")
		}
		var err error
		if sealed, err = m.keyring.SealCredentials(userID, creds); err != nil {
			return nil, fmt.Errorf("seal credentials: %w", err)
		}
	}
	conn := db.Connection{
		ID:                 uuid.NewString(),
		UserID:             userID,
		ExchangeType:       exchangeType,
		Name:               name,
		APIKeyEncrypted:    sealed.APIKey,
		APISecretEncrypted: sealed.APISecret,
		KeyVersion:         sealed.KeyVersion,
		Testnet:            testnet,
		IsActive:           true,
	}
	if err := m.queries.CreateConnection(ctx, conn); err != nil {
		return nil, err
	}
	return &conn, nil
}

// Acquire resolves the venue for a bot of userID and pins it until Release.
// An empty connectionID selects the account's first active connection, or
// the default exchange when the account has none.
func (m *Manager) Acquire(ctx context.Context, userID, connectionID string) (Venue, string, error) {
	key, err := m.resolveKey(ctx, userID, connectionID)
	if err != nil {
		return nil, "", err
	}
	v, err := m.GetOrCreate(ctx, userID, key)
	if err != nil {
		return nil, "", err
	}
	m.mu.Lock()
	m.pins[key]++
	m.mu.Unlock()
	return v, key, nil
}

// Release unpins a gateway returned by Acquire.
func (m *Manager) Release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pins[key] <= 1 {
		delete(m.pins, key)
		return
	}
	m.pins[key]--
}

func (m *Manager) resolveKey(ctx context.Context, userID, connectionID string) (string, error) {
	if userID == "" {
		return "", db.ErrAccountRequired
	}
	if connectionID != "" {
		return connectionID, nil
	}
	conns, err := m.queries.GetConnectionsByUser(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("list connections: %w", err)
	}
	if len(conns) > 0 {
		return conns[0].ID, nil
	}
	if m.config.DefaultExchange != "" {
		return defaultKey(userID), nil
	}
	return "", ErrConnectionNotFound
}

func defaultKey(userID string) string { return "default:" + userID }

// GetOrCreate returns an existing venue or creates a new one.
func (m *Manager) GetOrCreate(ctx context.Context, userID, key string) (Venue, error) {
	m.mu.RLock()
	if cached, ok := m.gateways[key]; ok {
		if cached.UserID != userID {
			m.mu.RUnlock()
			return nil, ErrConnectionNotFound
		}
		if cached.Failures >= m.config.FailureThreshold && m.config.FailureThreshold > 0 {
			if time.Since(cached.HealthyAt) < m.config.CircuitTimeout {
				m.mu.RUnlock()
				return nil, ErrGatewayUnhealthy
			}
		}
		m.mu.RUnlock()
		m.touchLRU(key)
		return cached.Venue, nil
	}
	m.mu.RUnlock()

	return m.createGateway(ctx, userID, key)
}

func (m *Manager) createGateway(ctx context.Context, userID, key string) (Venue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cached, ok := m.gateways[key]; ok {
		if cached.UserID != userID {
			return nil, ErrConnectionNotFound
		}
		m.touchLRULocked(key)
		return cached.Venue, nil
	}

	if m.config.MaxSize > 0 && len(m.gateways) >= m.config.MaxSize {
		if !m.evictOldestLocked() {
			return nil, ErrPoolFull
		}
	}

	conn, creds, err := m.loadConnection(ctx, userID, key)
	if err != nil {
		return nil, err
	}
	v, err := m.factory(conn, creds)
	if err != nil {
		return nil, fmt.Errorf("create gateway: %w", err)
	}

	now := time.Now()
	m.gateways[key] = &CachedGateway{
		Venue:        v,
		Key:          key,
		UserID:       userID,
		ExchangeType: conn.ExchangeType,
		CreatedAt:    now,
		LastUsed:     now,
		HealthyAt:    now,
	}
	m.lruOrder = append(m.lruOrder, key)
	log.Printf("[GATEWAY] created %s gateway for account %s", conn.ExchangeType, userID)
	return v, nil
}

func (m *Manager) loadConnection(ctx context.Context, userID, key string) (db.Connection, crypto.Credentials, error) {
	if key == defaultKey(userID) {
		return db.Connection{UserID: userID, ExchangeType: m.config.DefaultExchange, IsActive: true}, crypto.Credentials{}, nil
	}
	conn, err := m.queries.GetConnectionByID(ctx, userID, key)
	if errors.Is(err, db.ErrNotFound) {
		return db.Connection{}, crypto.Credentials{}, ErrConnectionNotFound
	}
	if err != nil {
		return db.Connection{}, crypto.Credentials{}, fmt.Errorf("get connection: %w", err)
	}
	if !conn.IsActive {
		return db.Connection{}, crypto.Credentials{}, ErrConnectionNotFound
	}
	var creds crypto.Credentials
	if conn.APIKeyEncrypted != "" {
		if m.keyring == nil {
			return db.Connection{}, crypto.Credentials{}, errors.New("credential keyring not configured")
		}
		creds, err = m.keyring.OpenCredentials(userID, crypto.SealedCredentials{
			APIKey:     conn.APIKeyEncrypted,
			APISecret:  conn.APISecretEncrypted,
			KeyVersion: conn.KeyVersion,
		})
		if err != nil {
			return db.Connection{}, crypto.Credentials{}, fmt.Errorf("open credentials: %w", err)
		}
	}
	return *conn, creds, nil
}

// Remove removes a gateway from the pool.
func (m *Manager) Remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.gateways[key]; ok {
		closeVenue(cached.Venue)
		delete(m.gateways, key)
		m.removeLRULocked(key)
	}
}

// RemoveByUser removes all gateways for a user.
func (m *Manager) RemoveByUser(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, cached := range m.gateways {
		if cached.UserID == userID {
			closeVenue(cached.Venue)
			delete(m.gateways, id)
			m.removeLRULocked(id)
		}
	}
}

// RecordFailure records a failure for a gateway.
func (m *Manager) RecordFailure(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.gateways[key]; ok {
		cached.Failures++
	}
}

// RecordSuccess resets the failure counter.
func (m *Manager) RecordSuccess(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.gateways[key]; ok {
		cached.Failures = 0
		cached.HealthyAt = time.Now()
	}
}

// PoolStats contains gateway pool statistics.
type PoolStats struct {
	TotalGateways  int            `json:"total_gateways"`
	MaxSize        int            `json:"max_size"`
	ByExchangeType map[string]int `json:"by_exchange_type"`
	UnhealthyCount int            `json:"unhealthy_count"`
	Pinned         int            `json:"pinned"`
}

// Stats returns current pool statistics.
func (m *Manager) Stats() PoolStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := PoolStats{
		TotalGateways:  len(m.gateways),
		MaxSize:        m.config.MaxSize,
		ByExchangeType: make(map[string]int),
		Pinned:         len(m.pins),
	}
	for _, cached := range m.gateways {
		stats.ByExchangeType[cached.ExchangeType]++
		if m.config.FailureThreshold > 0 && cached.Failures >= m.config.FailureThreshold {
			stats.UnhealthyCount++
		}
	}
	return stats
}

func (m *Manager) touchLRU(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touchLRULocked(key)
}

func (m *Manager) touchLRULocked(key string) {
	if cached, ok := m.gateways[key]; ok {
		cached.LastUsed = time.Now()
	}
	for i, id := range m.lruOrder {
		if id == key {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			m.lruOrder = append(m.lruOrder, key)
			break
		}
	}
}

func (m *Manager) removeLRULocked(key string) {
	for i, id := range m.lruOrder {
		if id == key {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			break
		}
	}
}

// evictOldestLocked closes the least recently used unpinned gateway.
func (m *Manager) evictOldestLocked() bool {
	for i, id := range m.lruOrder {
		if m.pins[id] > 0 {
			continue
		}
		if cached, ok := m.gateways[id]; ok {
			closeVenue(cached.Venue)
			delete(m.gateways, id)
		}
		m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
		return true
	}
	return false
}

func (m *Manager) cleanupIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for id, cached := range m.gateways {
		if m.pins[id] > 0 || now.Sub(cached.LastUsed) <= m.config.IdleTimeout {
			continue
		}
		closeVenue(cached.Venue)
		delete(m.gateways, id)
		m.removeLRULocked(id)
	}
}

func (m *Manager) healthCheckAll(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.gateways))
	for id := range m.gateways {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.healthCheck(ctx, id)
	}
}

func (m *Manager) healthCheck(ctx context.Context, key string) {
	m.mu.RLock()
	cached, ok := m.gateways[key]
	if !ok {
		m.mu.RUnlock()
		return
	}
	v := cached.Venue
	m.mu.RUnlock()

	pinger, ok := v.(interface{ Ping(context.Context) error })
	if !ok {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err := pinger.Ping(cctx)
	cancel()
	if err != nil {
		log.Printf("[GATEWAY] health check failed for %s: %v", key, err)
		m.RecordFailure(key)
		return
	}
	m.RecordSuccess(key)
}

func closeVenue(v Venue) {
	if closer, ok := v.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
}
