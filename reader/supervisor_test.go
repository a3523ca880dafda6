package reader

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"bookstream/config"
	"bookstream/internal/channel/trades"
	"bookstream/writer"
)

func TestSupervisorIsolatesPairs(t *testing.T) {
	ex := newFakeExchange(t, func(int) []string { return []string{snapshotSeq5, tradeSeq6} })
	cfg := ex.config()
	// The fake exchange only serves XBTZAR, so ETHZAR fails every handshake.
	cfg.Stream.Pairs = []string{"XBTZAR", "ETHZAR"}
	cfg.Stream.MaxRetries = 2
	cfg.Stream.RetryBaseDelay = time.Millisecond
	cfg.Stream.ConnectRate = 0

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	sink := trades.NewChannel(8)
	sup := NewSupervisor(cfg, writer.NewRedisStore(client, 0), sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan map[string]error, 1)
	go func() { done <- sup.Run(ctx) }()

	select {
	case tr := <-sink.C:
		if tr.Pair != "XBTZAR" || tr.Price.String() != "100" {
			t.Fatalf("unexpected archived trade %+v", tr)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no trade reached the sink")
	}
	if price, err := mr.Get("XBTZAR.PRICE"); err != nil || price != "100" {
		t.Fatalf("price = %q, %v", price, err)
	}

	// Give ETHZAR time to spend its two millisecond backoffs.
	time.Sleep(200 * time.Millisecond)
	cancel()
	var results map[string]error
	select {
	case results = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}
	if err := results["XBTZAR"]; err != nil {
		t.Fatalf("XBTZAR should stop cleanly, got %v", err)
	}
	if err := results["ETHZAR"]; !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("ETHZAR should exhaust retries, got %v", err)
	}
}

func TestNewConnectLimiter(t *testing.T) {
	unlimited := newConnectLimiter(config.StreamConfig{})
	for i := 0; i < 100; i++ {
		if !unlimited.Allow() {
			t.Fatal("zero connect rate should not throttle")
		}
	}
	limited := newConnectLimiter(config.StreamConfig{ConnectRate: 1, ConnectBurst: 2})
	if !limited.Allow() || !limited.Allow() {
		t.Fatal("burst should allow two connects")
	}
	if limited.Allow() {
		t.Fatal("third immediate connect should be throttled")
	}
}
