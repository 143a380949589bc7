package gateway

import (
	"context"
	"fmt"
	"strings"

	"bot-core/pkg/crypto"
	"bot-core/pkg/db"
	"bot-core/pkg/exchanges/bybit"
	"bot-core/pkg/exchanges/paper"
)

// Exchange types stored on connections.
const (
	ExchangeBybit = "bybit"
	ExchangePaper = "paper"
)

// PaperOptions configures the simulated venue given to paper accounts.
type PaperOptions struct {
	Venue    paper.Options
	Feed     paper.Feed // template; Venue is filled per account
	Backfill int
}

// paperVenue owns the feed driving its venue.
type paperVenue struct {
	*paper.Venue
	cancel context.CancelFunc
}

func (p *paperVenue) Close() error {
	p.cancel()
	return nil
}

// NewFactory builds bybit venues from credentials and paper venues with
// their own synthetic feed.
func NewFactory(bybitRateLimit float64, paperOpts PaperOptions) Factory {
	return func(conn db.Connection, creds crypto.Credentials) (Venue, error) {
		switch strings.ToLower(conn.ExchangeType) {
		case ExchangeBybit:
			if creds.APIKey == "" || creds.APISecret == "" {
				return nil, fmt.Errorf("bybit connection %s has no credentials", conn.ID)
			}
			return bybit.New(bybit.Config{
				APIKey:    creds.APIKey,
				APISecret: creds.APISecret,
				Testnet:   conn.Testnet,
				RateLimit: bybitRateLimit,
			}), nil
		case ExchangePaper:
			return newPaperVenue(paperOpts), nil
		default:
			return nil, fmt.Errorf("unsupported exchange type: %s", conn.ExchangeType)
		}
	}
}

func newPaperVenue(opts PaperOptions) *paperVenue {
	v := paper.NewVenue(opts.Venue)
	feed := opts.Feed
	feed.Venue = v
	if opts.Backfill > 0 {
		feed.Backfill(opts.Backfill)
	}
	ctx, cancel := context.WithCancel(context.Background())
	feed.Start(ctx)
	return &paperVenue{Venue: v, cancel: cancel}
}
