package trades

import (
	"context"
	"sync/atomic"

	"bookstream/logger"
	"bookstream/models"
)

type ChannelStats struct {
	Sent    int64
	Dropped int64
}

// Channel fans derived trades out of the publishers into the archive. Sends
// never block the caller.
type Channel struct {
	C chan models.Trade

	sent    int64
	dropped int64
	log     *logger.Log
}

func NewChannel(bufferSize int) *Channel {
	log := logger.GetLogger()
	c := &Channel{
		C:   make(chan models.Trade, bufferSize),
		log: log,
	}
	log.WithComponent("trade_channel").WithFields(logger.Fields{
		"buffer_size": bufferSize,
	}).Info("trade channel initialized")
	return c
}

// SendTrade offers t to the channel and reports whether it was accepted.
func (c *Channel) SendTrade(ctx context.Context, t models.Trade) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	select {
	case c.C <- t:
		atomic.AddInt64(&c.sent, 1)
		return true
	default:
		atomic.AddInt64(&c.dropped, 1)
		return false
	}
}

// Close must only be called once every sender has stopped.
func (c *Channel) Close() {
	close(c.C)
	c.log.WithComponent("trade_channel").Info("trade channel closed")
}

func (c *Channel) GetStats() ChannelStats {
	return ChannelStats{
		Sent:    atomic.LoadInt64(&c.sent),
		Dropped: atomic.LoadInt64(&c.dropped),
	}
}
