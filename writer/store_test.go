package writer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"bookstream/models"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func testTrade(id string, seq uint64, price, volume string) models.Trade {
	return models.Trade{
		ID:        id,
		Pair:      "XBTZAR",
		Sequence:  seq,
		Price:     decimal.RequireFromString(price),
		Volume:    decimal.RequireFromString(volume),
		Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Update: models.TradeUpdate{
			Base:         decimal.RequireFromString(volume),
			MakerOrderID: "a",
			TakerOrderID: "t",
		},
	}
}

func testUpdate(trades ...models.Trade) models.BookUpdate {
	return models.BookUpdate{
		Pair:   "XBTZAR",
		Price:  trades[len(trades)-1].Price,
		Trades: trades,
		Bids:   []byte(`[{"id":"a","price":"100","volume":"1"}]`),
		Asks:   []byte(`[]`),
	}
}

func TestKeyLayout(t *testing.T) {
	cases := map[string]string{
		PriceKey("XBTZAR"):     "XBTZAR.PRICE",
		TradesKey("XBTZAR"):    "XBTZAR.TRADES",
		BidsKey("XBTZAR"):      "XBTZAR.BIDS",
		AsksKey("XBTZAR"):      "XBTZAR.ASKS",
		TradeChannel("XBTZAR"): "XBTZAR.TRADE",
	}
	for got, want := range cases {
		if got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
	if p := PairFromChannel("ETHZAR.TRADE"); p != "ETHZAR" {
		t.Fatalf("pair from channel: %q", p)
	}
}

func TestMirrorWritesKeys(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisStore(client, 0)

	up := testUpdate(testTrade("t1", 6, "100", "0.5"), testTrade("t2", 6, "101", "1"))
	if err := store.Mirror(context.Background(), up); err != nil {
		t.Fatalf("mirror: %v", err)
	}

	price, err := mr.Get("XBTZAR.PRICE")
	if err != nil || price != "101" {
		t.Fatalf("price = %q, %v", price, err)
	}
	bids, _ := mr.Get("XBTZAR.BIDS")
	if bids != string(up.Bids) {
		t.Fatalf("bids = %s", bids)
	}
	asks, _ := mr.Get("XBTZAR.ASKS")
	if asks != "[]" {
		t.Fatalf("asks = %s", asks)
	}

	list, err := mr.List("XBTZAR.TRADES")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(list))
	}
	// LPUSH puts the newest trade at the head.
	var head models.Trade
	if err := json.Unmarshal([]byte(list[0]), &head); err != nil {
		t.Fatalf("unmarshal head: %v", err)
	}
	if head.ID != "t2" || !head.Price.Equal(decimal.RequireFromString("101")) {
		t.Fatalf("unexpected head trade: %+v", head)
	}
}

func TestMirrorTrimsTrades(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisStore(client, 2)
	ctx := context.Background()

	for i, id := range []string{"t1", "t2", "t3"} {
		if err := store.Mirror(ctx, testUpdate(testTrade(id, uint64(6+i), "100", "1"))); err != nil {
			t.Fatalf("mirror %s: %v", id, err)
		}
	}
	list, _ := mr.List("XBTZAR.TRADES")
	if len(list) != 2 {
		t.Fatalf("expected trimmed list of 2, got %d", len(list))
	}
	var oldest models.Trade
	if err := json.Unmarshal([]byte(list[1]), &oldest); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if oldest.ID != "t2" {
		t.Fatalf("expected t1 to be trimmed, oldest kept is %s", oldest.ID)
	}
}

func TestMirrorPublishesTrades(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewRedisStore(client, 0)
	ctx := context.Background()

	sub := client.PSubscribe(ctx, TradeChannelPattern)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	msgs := sub.Channel()

	if err := store.Mirror(ctx, testUpdate(testTrade("t1", 6, "100", "1"))); err != nil {
		t.Fatalf("mirror: %v", err)
	}

	select {
	case msg := <-msgs:
		if msg.Channel != "XBTZAR.TRADE" || PairFromChannel(msg.Channel) != "XBTZAR" {
			t.Fatalf("unexpected channel %q", msg.Channel)
		}
		var tr models.Trade
		if err := json.Unmarshal([]byte(msg.Payload), &tr); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if tr.ID != "t1" || tr.Update.MakerOrderID != "a" {
			t.Fatalf("unexpected trade %+v", tr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no trade published")
	}
}

func TestWaitReady(t *testing.T) {
	_, client := newTestRedis(t)
	if err := WaitReady(context.Background(), client, 3, time.Millisecond); err != nil {
		t.Fatalf("wait ready: %v", err)
	}

	dead := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond})
	defer dead.Close()
	if err := WaitReady(context.Background(), dead, 2, time.Millisecond); err == nil {
		t.Fatal("expected error for unreachable redis")
	}
}

func TestWaitReadyHonoursCancellation(t *testing.T) {
	dead := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer dead.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := WaitReady(ctx, dead, 5, time.Hour)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("wait ignored cancellation for %s", elapsed)
	}
}
