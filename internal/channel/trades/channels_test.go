package trades

import (
	"context"
	"testing"

	"bookstream/models"
)

func TestSendTradeDropsWhenFull(t *testing.T) {
	c := NewChannel(1)
	ctx := context.Background()
	if !c.SendTrade(ctx, models.Trade{ID: "1"}) {
		t.Fatal("first send should succeed")
	}
	if c.SendTrade(ctx, models.Trade{ID: "2"}) {
		t.Fatal("second send should be dropped")
	}
	if got := <-c.C; got.ID != "1" {
		t.Fatalf("unexpected trade %+v", got)
	}
	stats := c.GetStats()
	if stats.Sent != 1 || stats.Dropped != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestSendTradeCancelled(t *testing.T) {
	c := NewChannel(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if c.SendTrade(ctx, models.Trade{ID: "1"}) {
		t.Fatal("send on cancelled context should fail")
	}
	if stats := c.GetStats(); stats.Sent != 0 || stats.Dropped != 0 {
		t.Fatalf("cancelled send should not be counted: %+v", stats)
	}
}
