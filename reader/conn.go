package reader

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"bookstream/config"
	"bookstream/logger"
)

// ErrRateLimited is returned by Dial when the exchange rejected the
// handshake with 429 Too Many Requests.
var ErrRateLimited = errors.New("connect rate limited")

// Conn is the part of *websocket.Conn a worker uses. WriteControl and Close
// may be called concurrently with the other methods.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Dialer opens one stream connection.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

type websocketDialer struct {
	dialer websocket.Dialer
}

// NewDialer builds a websocket dialer from the stream section. When LocalIP
// is set, outbound connections are bound to that source address.
func NewDialer(cfg config.StreamConfig) Dialer {
	d := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
		ReadBufferSize:   cfg.ReadBufferBytes,
	}
	if cfg.LocalIP != "" {
		if ip := net.ParseIP(cfg.LocalIP); ip != nil {
			d.NetDialContext = (&net.Dialer{LocalAddr: &net.TCPAddr{IP: ip}}).DialContext
		} else {
			logger.GetLogger().WithComponent("worker").WithFields(logger.Fields{
				"local_ip": cfg.LocalIP,
			}).Warn("ignoring unparsable local ip")
		}
	}
	return &websocketDialer{dialer: d}
}

func (d *websocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("dial %s: %w", url, ErrRateLimited)
		}
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}
