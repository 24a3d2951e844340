// Package dltnats re-publishes dispatched DLT frames to an external NATS
// subject, additive to in-process subscriber delivery. Adapted from the
// teacher's pkg/nats singleton client: connection/reconnect/error handlers
// wired as nats.Option functional options, exposed behind a small Sink type
// instead of a package-level singleton since a broker may run more than one
// sink in the same process.
package dltnats

import (
	"fmt"
	"sync"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/nats-io/nats.go"
)

// Config configures the NATS re-publication sink.
type Config struct {
	Address string `json:"address"`
	Subject string `json:"subject"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	CredsFilePath string `json:"creds-file-path,omitempty"`
}

// Sink publishes raw encoded DLT frames to a NATS subject.
type Sink struct {
	conn    *nats.Conn
	subject string
	mu      sync.Mutex
}

// Dial connects a new sink. A zero-value Config.Address means NATS
// forwarding is disabled; Dial returns (nil, nil) in that case so callers
// can treat the sink as optional without a type switch.
func Dial(cfg Config) (*Sink, error) {
	if cfg.Address == "" {
		cclog.Warnf("dltnats: no address configured, skipping connection")
		return nil, nil
	}

	var opts []nats.Option
	if cfg.Username != "" && cfg.Password != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.CredsFilePath != "" {
		opts = append(opts, nats.UserCredentials(cfg.CredsFilePath))
	}
	opts = append(opts, nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
		if err != nil {
			cclog.Warnf("dltnats: disconnected: %v", err)
		}
	}))
	opts = append(opts, nats.ReconnectHandler(func(nc *nats.Conn) {
		cclog.Infof("dltnats: reconnected to %s", nc.ConnectedUrl())
	}))
	opts = append(opts, nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
		cclog.Errorf("dltnats: error: %v", err)
	}))

	nc, err := nats.Connect(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("dltnats: connect failed: %w", err)
	}
	cclog.Infof("dltnats: connected to %s, publishing to %q", cfg.Address, cfg.Subject)

	return &Sink{conn: nc, subject: cfg.Subject}, nil
}

// Publish forwards the raw encoded frame bytes. Safe to call concurrently.
func (s *Sink) Publish(raw []byte) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.Publish(s.subject, raw); err != nil {
		return fmt.Errorf("dltnats: publish failed: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying connection. Safe on a nil Sink.
func (s *Sink) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Flush()
		s.conn.Close()
		cclog.Infof("dltnats: connection closed")
	}
}
