package cache

import (
	"testing"
	"time"
)

func TestPriceCacheStaleness(t *testing.T) {
	c := NewPriceCache()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Set("BTCUSDT", 64000, "stream")
	c.Set("ETHUSDT", 3100, "poll")

	now = now.Add(90 * time.Second)
	c.Set("ETHUSDT", 3105, "poll")

	if _, ok := c.Fresh("BTCUSDT", time.Minute); ok {
		t.Fatal("BTCUSDT should be stale after 90s")
	}
	if px, ok := c.Fresh("ETHUSDT", time.Minute); !ok || px != 3105 {
		t.Fatalf("ETHUSDT fresh=%v px=%v", ok, px)
	}
	if stale := c.Stale(time.Minute); len(stale) != 1 || stale[0] != "BTCUSDT" {
		t.Fatalf("stale=%v", stale)
	}
	if removed := c.Cleanup(time.Minute); removed != 1 || c.Len() != 1 {
		t.Fatalf("removed=%d len=%d", removed, c.Len())
	}
	if q, _ := c.Get("ETHUSDT"); q.Source != "poll" {
		t.Fatalf("source=%s", q.Source)
	}
}
