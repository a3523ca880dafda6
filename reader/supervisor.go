package reader

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"bookstream/config"
	"bookstream/logger"
	"bookstream/writer"
)

// Supervisor runs one worker and one publisher per configured pair. All of
// them share the store client and the connect limiter; a worker giving up
// never affects the others.
type Supervisor struct {
	cfg     *config.Config
	store   writer.Store
	sink    writer.TradeSink
	dialer  Dialer
	limiter *rate.Limiter
	log     *logger.Log
}

// NewSupervisor creates a supervisor. sink may be nil when trades are not
// archived.
func NewSupervisor(cfg *config.Config, store writer.Store, sink writer.TradeSink) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		store:   store,
		sink:    sink,
		dialer:  NewDialer(cfg.Stream),
		limiter: newConnectLimiter(cfg.Stream),
		log:     logger.GetLogger(),
	}
}

func newConnectLimiter(cfg config.StreamConfig) *rate.Limiter {
	if cfg.ConnectRate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := cfg.ConnectBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.ConnectRate), burst)
}

// Run blocks until every worker has stopped, either because ctx was
// cancelled or because it exhausted its retries. The result maps each pair
// to the error its worker returned; nil means it stopped on shutdown.
func (s *Supervisor) Run(ctx context.Context) map[string]error {
	log := s.log.WithComponent("supervisor")
	pairs := s.cfg.Stream.Pairs
	log.WithFields(logger.Fields{"pairs": pairs}).Info("starting workers")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string]error, len(pairs))
	)
	for _, pair := range pairs {
		pub := writer.NewPublisher(pair, s.store, s.cfg.Publisher, s.sink)
		worker := NewWorker(pair, s.cfg, s.dialer, s.limiter, pub)

		wg.Add(1)
		go func(worker *Worker, pub *writer.Publisher) {
			defer wg.Done()
			pair := worker.Pair()

			pctx, cancel := context.WithCancel(ctx)
			defer cancel()
			if err := pub.Start(pctx); err != nil {
				log.WithPair(pair).WithError(err).Error("failed to start publisher")
				mu.Lock()
				results[pair] = err
				mu.Unlock()
				return
			}

			err := worker.Run(ctx)
			cancel()
			pub.Stop()

			mu.Lock()
			results[pair] = err
			mu.Unlock()
			if err != nil {
				log.WithPair(pair).WithError(err).Error("worker stopped permanently")
			}
		}(worker, pub)
	}

	wg.Wait()
	log.WithFields(logger.Fields{"pairs": len(pairs)}).Info("all workers stopped")
	return results
}
