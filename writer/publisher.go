package writer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bookstream/config"
	"bookstream/logger"
	"bookstream/models"
)

// TradeSink receives every trade after it was mirrored. Implementations must
// not block.
type TradeSink interface {
	SendTrade(ctx context.Context, t models.Trade) bool
}

// Publisher mirrors one pair's book updates into the store from its own
// goroutine, so the book mutation path never waits on the store. Failures are
// logged and counted; the in-memory book stays authoritative.
type Publisher struct {
	pair         string
	store        Store
	sink         TradeSink
	queue        chan models.BookUpdate
	writeTimeout time.Duration

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.Mutex
	running bool
	log     *logger.Log
}

// NewPublisher creates a publisher for pair. sink may be nil.
func NewPublisher(pair string, store Store, cfg config.PublisherConfig, sink TradeSink) *Publisher {
	size := cfg.QueueSize
	if size <= 0 {
		size = 1
	}
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Publisher{
		pair:         pair,
		store:        store,
		sink:         sink,
		queue:        make(chan models.BookUpdate, size),
		writeTimeout: timeout,
		wg:           &sync.WaitGroup{},
		log:          logger.GetLogger(),
	}
}

func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("publisher for %s already running", p.pair)
	}
	p.running = true
	p.ctx = ctx

	p.wg.Add(1)
	go p.run()
	return nil
}

// Stop waits for the publishing goroutine to exit. The context passed to
// Start must be cancelled first.
func (p *Publisher) Stop() {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	p.wg.Wait()
}

// Enqueue hands up to the publishing goroutine without blocking. It reports
// false when the queue is full and the update was dropped.
func (p *Publisher) Enqueue(up models.BookUpdate) bool {
	select {
	case p.queue <- up:
		return true
	default:
		logger.IncrementStoreErrors()
		seqs := make([]uint64, 0, len(up.Trades))
		for _, t := range up.Trades {
			seqs = append(seqs, t.Sequence)
		}
		p.log.WithComponent("trade_publisher").WithPair(p.pair).WithFields(logger.Fields{
			"trades":       len(up.Trades),
			"dropped_seqs": seqs,
			"queue_cap":    cap(p.queue),
		}).Warn("publish queue full, dropping book update")
		return false
	}
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case up := <-p.queue:
			p.publish(up)
		}
	}
}

func (p *Publisher) publish(up models.BookUpdate) {
	log := p.log.WithComponent("trade_publisher").WithPair(p.pair)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(p.ctx), p.writeTimeout)
	defer cancel()

	if err := p.store.Mirror(ctx, up); err != nil {
		logger.IncrementStoreErrors()
		log.WithError(err).Error("failed to mirror book update")
		return
	}
	logger.IncrementStoreWrites()

	for _, t := range up.Trades {
		log.WithFields(logger.Fields{
			"price":  t.Price.String(),
			"volume": t.Volume.String(),
			"seq":    t.Sequence,
		}).Info("trade published")
		if p.sink != nil && !p.sink.SendTrade(p.ctx, t) {
			logger.IncrementArchiveDropped()
			log.Debug("trade sink full, trade not archived")
		}
	}
}
