package reader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"bookstream/config"
	"bookstream/logger"
	"bookstream/models"
	"bookstream/processor"
)

// ErrRetriesExhausted is returned by Run once a worker gave up on its pair.
var ErrRetriesExhausted = errors.New("retries exhausted")

// State is the connection state of a worker.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateStreaming
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Publisher accepts book updates without blocking the receive loop.
type Publisher interface {
	Enqueue(up models.BookUpdate) bool
}

const closeGrace = time.Second

// Worker keeps the book of a single pair in sync with the exchange stream.
// The book is owned by the goroutine running Run and is never shared.
type Worker struct {
	pair       string
	url        string
	keyID      string
	keySecret  string
	maxRetries int
	baseDelay  time.Duration
	keepAlive  time.Duration

	dialer    Dialer
	limiter   *rate.Limiter
	publisher Publisher
	book      *processor.Book
	sleep     func(context.Context, time.Duration) error

	mu      sync.Mutex
	state   State
	retries int
	log     *logger.Log
}

// NewWorker creates a worker for pair. A nil limiter disables connect
// throttling.
func NewWorker(pair string, cfg *config.Config, dialer Dialer, limiter *rate.Limiter, publisher Publisher) *Worker {
	maxRetries := cfg.Stream.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	baseDelay := cfg.Stream.RetryBaseDelay
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	keepAlive := cfg.Stream.KeepAliveInterval
	if keepAlive <= 0 {
		keepAlive = 60 * time.Second
	}
	return &Worker{
		pair:       pair,
		url:        cfg.StreamURL(pair),
		keyID:      cfg.Stream.APIKeyID,
		keySecret:  cfg.Stream.APIKeySecret,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		keepAlive:  keepAlive,
		dialer:     dialer,
		limiter:    limiter,
		publisher:  publisher,
		book:       processor.NewBook(pair, nil),
		sleep:      sleepCtx,
		state:      StateDisconnected,
		log:        logger.GetLogger(),
	}
}

func (w *Worker) Pair() string { return w.pair }

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Retries is the number of consecutive failed sessions.
func (w *Worker) Retries() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.retries
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Run connects, streams and reconnects until ctx is cancelled or the retry
// budget is spent. It returns nil on cancellation and ErrRetriesExhausted
// when the worker gave up.
func (w *Worker) Run(ctx context.Context) error {
	log := w.log.WithComponent("worker").WithPair(w.pair)
	defer w.setState(StateStopped)

	for {
		if ctx.Err() != nil {
			log.Info("worker stopped")
			return nil
		}
		if retries := w.Retries(); retries >= w.maxRetries {
			log.WithFields(logger.Fields{"retries": retries}).Error("retry budget exhausted, giving up on pair")
			return fmt.Errorf("%s: %w after %d attempts", w.pair, ErrRetriesExhausted, retries)
		}

		err := w.session(ctx)

		w.book.Reset()
		w.setState(StateDisconnected)
		if ctx.Err() != nil {
			log.Info("worker stopped")
			return nil
		}

		w.mu.Lock()
		w.retries++
		retries := w.retries
		w.mu.Unlock()
		logger.IncrementReconnects()

		delay := backoffDelay(retries, w.baseDelay)
		entry := log.WithFields(logger.Fields{
			"retries": retries,
			"backoff": delay.String(),
		})
		if err != nil {
			entry = entry.WithError(err)
		}
		if errors.Is(err, ErrRateLimited) {
			entry.LogMetric("worker", "rate_limit_exceeded", int64(1), logger.Fields{"pair": w.pair})
		}
		entry.Warn("session ended, reconnecting")

		if err := w.sleep(ctx, delay); err != nil {
			log.Info("worker stopped during backoff")
			return nil
		}
	}
}

// session runs one connection from dial to teardown.
func (w *Worker) session(ctx context.Context) error {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("connect limiter: %w", err)
		}
	}

	w.setState(StateConnecting)
	conn, err := w.dialer.Dial(ctx, w.url)
	if err != nil {
		return err
	}

	auth, err := processor.EncodeAuth(w.keyID, w.keySecret)
	if err != nil {
		conn.Close()
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, auth); err != nil {
		conn.Close()
		return fmt.Errorf("send auth: %w", err)
	}

	w.mu.Lock()
	w.retries = 0
	w.state = StateStreaming
	w.mu.Unlock()

	log := w.log.WithComponent("worker").WithPair(w.pair).WithFields(logger.Fields{
		"session": uuid.NewString(),
	})
	log.Info("connected and authenticated")

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 2)
	go func() { errc <- w.keepAliveLoop(sctx, conn) }()
	go func() { errc <- w.receive(sctx, conn, log) }()

	err = <-errc
	cancel()
	deadline := time.Now().Add(closeGrace)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	conn.Close()
	if second := <-errc; err == nil {
		err = second
	}
	return err
}

// keepAliveLoop sends an empty text frame every interval until ctx is done.
func (w *Worker) keepAliveLoop(ctx context.Context, conn Conn) error {
	ticker := time.NewTicker(w.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.TextMessage, nil); err != nil {
				return fmt.Errorf("send keepalive: %w", err)
			}
		}
	}
}

// receive reads whole messages and applies them to the book until the
// connection closes, the context is done, or the book needs a resync.
func (w *Worker) receive(ctx context.Context, conn Conn, log *logger.Entry) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		logger.IncrementFramesRead(len(data))

		frame, err := processor.DecodeFrame(data, w.book.Phase() == processor.PhaseAwaitingSnapshot)
		if err != nil {
			return err
		}

		switch frame.Kind {
		case processor.FrameKeepAlive:
			log.Debug("keepalive received")

		case processor.FrameSnapshot:
			if err := w.book.ApplySnapshot(frame.Snapshot); err != nil {
				return err
			}
			log.WithFields(logger.Fields{
				"seq":  frame.Snapshot.Sequence,
				"bids": len(frame.Snapshot.Bids),
				"asks": len(frame.Snapshot.Asks),
			}).Info("snapshot applied")

		case processor.FrameDelta:
			if ctx.Err() != nil {
				return nil
			}
			trades, err := w.book.ApplyDelta(frame.Delta)
			if err != nil {
				logger.IncrementResyncs()
				log.WithError(err).WithFields(logger.Fields{
					"seq":      frame.Delta.Sequence,
					"book_seq": w.book.Sequence(),
				}).Warn("delta rejected, forcing resync")
				return err
			}
			if len(trades) == 0 {
				continue
			}
			logger.IncrementTrades(len(trades))
			up, err := w.book.Update(trades)
			if err != nil {
				return err
			}
			w.publisher.Enqueue(up)
		}
	}
}
