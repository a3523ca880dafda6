package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"bookstream/config"
	"bookstream/logger"
	"bookstream/models"
)

// Store mirrors completed book updates into the shared store.
type Store interface {
	Mirror(ctx context.Context, up models.BookUpdate) error
}

// Key layout shared with downstream consumers. Every key and channel of a
// pair is prefixed with the pair itself, so workers never touch each other's
// namespace.
const keySeparator = "."

func PriceKey(pair string) string     { return pair + keySeparator + "PRICE" }
func TradesKey(pair string) string    { return pair + keySeparator + "TRADES" }
func BidsKey(pair string) string      { return pair + keySeparator + "BIDS" }
func AsksKey(pair string) string      { return pair + keySeparator + "ASKS" }
func TradeChannel(pair string) string { return pair + keySeparator + "TRADE" }

// TradeChannelPattern matches the trade channel of every pair. Downstream
// subscribers PSUBSCRIBE to it; nothing in this service consumes it.
const TradeChannelPattern = "*" + keySeparator + "TRADE"

// PairFromChannel extracts the pair from a trade channel name, for
// downstream subscribers receiving on TradeChannelPattern.
func PairFromChannel(channel string) string {
	pair, _, _ := strings.Cut(channel, keySeparator)
	return pair
}

// NewRedisClient builds the single client shared by every worker. go-redis
// clients are safe for concurrent use.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
}

// WaitReady pings the store until it answers or attempts run out.
func WaitReady(ctx context.Context, client redis.UniversalClient, attempts int, delay time.Duration) error {
	log := logger.GetLogger().WithComponent("redis_store")
	var err error
	for i := 1; i <= attempts; i++ {
		if err = client.Ping(ctx).Err(); err == nil {
			return nil
		}
		log.WithFields(logger.Fields{"attempt": i}).WithError(err).Warn("redis not ready, retrying")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("redis not ready after %d attempts: %w", attempts, err)
}

// RedisStore writes book updates with one pipeline per update. The side
// snapshots are written before the trades are published so a subscriber
// reading P.BIDS/P.ASKS on a trade sees the post-trade book.
type RedisStore struct {
	client       redis.UniversalClient
	tradesMaxLen int64
}

func NewRedisStore(client redis.UniversalClient, tradesMaxLen int64) *RedisStore {
	return &RedisStore{client: client, tradesMaxLen: tradesMaxLen}
}

func (s *RedisStore) Mirror(ctx context.Context, up models.BookUpdate) error {
	payloads := make([][]byte, 0, len(up.Trades))
	for _, t := range up.Trades {
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal trade: %w", err)
		}
		payloads = append(payloads, b)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, PriceKey(up.Pair), up.Price.String(), 0)
	for _, p := range payloads {
		pipe.LPush(ctx, TradesKey(up.Pair), p)
	}
	if s.tradesMaxLen > 0 {
		pipe.LTrim(ctx, TradesKey(up.Pair), 0, s.tradesMaxLen-1)
	}
	pipe.Set(ctx, BidsKey(up.Pair), up.Bids, 0)
	pipe.Set(ctx, AsksKey(up.Pair), up.Asks, 0)
	for _, p := range payloads {
		pipe.Publish(ctx, TradeChannel(up.Pair), p)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mirror %s: %w", up.Pair, err)
	}
	return nil
}
