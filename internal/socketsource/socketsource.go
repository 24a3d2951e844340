// Package socketsource implements C4: a TCP / UNIX-domain / UDP-multicast
// reader with reconnect and a clean-close liveness probe. Grounded on
// dlt.py's DLTClient (__init__, ready_to_read, connect, disconnect,
// read_message); the receive-buffer retention strategy is grounded on
// core/core_21810.py's cDltReceiver (buf/backup_buf fields).
package socketsource

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/dlt-tools/dltbroker/internal/dispatcher"
	"github.com/dlt-tools/dltbroker/internal/dltlog"
	"github.com/dlt-tools/dltbroker/internal/dltmetrics"
	"github.com/dlt-tools/dltbroker/pkg/dlttypes"
)

// Mode selects the transport.
type Mode int

const (
	ModeTCP Mode = iota
	ModeUnix
	ModeUDPMulticast
)

// maxLogInRow suppresses connect-failure logging after this many
// consecutive failures within one Connect call (SPEC_FULL.md supplement 2,
// ported from python-dlt's MAX_LOG_IN_ROW).
const maxLogInRow = 3

const readyPeekTimeout = 200 * time.Millisecond

// Config describes how to reach a DLT daemon.
type Config struct {
	Mode           Mode
	IPAddress      string // or the UNIX socket path when Mode == ModeUnix
	Port           int    // default dlttypes.DefaultTCPPort
	HostInterface  string // required for ModeUDPMulticast
	ConnectTimeout time.Duration
}

// DeriveMode returns ModeUDPMulticast when ipAddress parses as a multicast
// IPv4 address, else ModeTCP — matching spec.md §4.4's mode-selection rule.
func DeriveMode(ipAddress string) Mode {
	if ip := net.ParseIP(ipAddress); ip != nil && ip.To4() != nil && ip.IsMulticast() {
		return ModeUDPMulticast
	}
	return ModeTCP
}

// Client connects to a DLT daemon and yields raw received bytes.
type Client struct {
	cfg Config

	mu        sync.Mutex
	conn      net.Conn
	reader    *bufio.Reader
	connected bool

	stopFlag atomic.Bool

	disconnectedSince time.Time
	missingConnLog    *rate.Limiter
}

// New returns a Client with spec.md §4.4/§4.7 defaults applied.
func New(cfg Config) *Client {
	if cfg.Port == 0 {
		cfg.Port = dlttypes.DefaultTCPPort
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	return &Client{
		cfg:            cfg,
		missingConnLog: rate.NewLimiter(rate.Every(time.Minute), 1),
	}
}

// Connect attempts a connection until cfg.ConnectTimeout elapses, logging
// at most maxLogInRow failures before suppressing further ones for the
// remainder of this call.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Now().Add(c.cfg.ConnectTimeout)
	var lastErr error
	attempt := 0

	for {
		attempt++
		conn, err := c.dialOnce()
		if err == nil {
			c.conn = conn
			c.reader = bufio.NewReaderSize(conn, dlttypes.DefaultRecvBufferSize)
			c.connected = true
			if !c.disconnectedSince.IsZero() {
				dltlog.Reconnectf("socketsource: connection restored after %s", time.Since(c.disconnectedSince))
				c.disconnectedSince = time.Time{}
			}
			dltmetrics.Reconnects.Inc()
			return nil
		}

		lastErr = err
		if attempt <= maxLogInRow {
			dltlog.Reconnectf("socketsource: connect attempt %d failed: %v", attempt, err)
		} else if attempt == maxLogInRow+1 {
			dltlog.Reconnectf("socketsource: suppressing further connect-failure logs for this call")
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("socketsource: connect to %s timed out after %d attempts: %w", c.target(), attempt, lastErr)
		}
		time.Sleep(200 * time.Millisecond)
	}
}

func (c *Client) target() string {
	switch c.cfg.Mode {
	case ModeUnix:
		return c.cfg.IPAddress
	default:
		return fmt.Sprintf("%s:%d", c.cfg.IPAddress, c.cfg.Port)
	}
}

func (c *Client) dialOnce() (net.Conn, error) {
	switch c.cfg.Mode {
	case ModeUnix:
		return net.DialTimeout("unix", c.cfg.IPAddress, time.Second)
	case ModeUDPMulticast:
		iface, err := net.InterfaceByName(c.cfg.HostInterface)
		if err != nil {
			return nil, fmt.Errorf("socketsource: multicast interface %q: %w", c.cfg.HostInterface, err)
		}
		return net.ListenMulticastUDP("udp4", iface, &net.UDPAddr{
			IP:   net.ParseIP(c.cfg.IPAddress),
			Port: c.cfg.Port,
		})
	default:
		return net.DialTimeout("tcp", fmt.Sprintf("%s:%d", c.cfg.IPAddress, c.cfg.Port), time.Second)
	}
}

// readyResult classifies the outcome of readyToRead.
type readyResult int

const (
	readyData readyResult = iota
	readyNone
	readyClosed
)

// readyToRead is a non-blocking peek distinguishing a clean remote close
// from "no data yet": it sets a short read deadline and Peeks one byte
// without consuming it, using bufio.Reader the way the original uses
// MSG_PEEK|MSG_DONTWAIT.
func (c *Client) readyToRead() (readyResult, error) {
	c.conn.SetReadDeadline(time.Now().Add(readyPeekTimeout))
	defer c.conn.SetReadDeadline(time.Time{})

	_, err := c.reader.Peek(1)
	switch {
	case err == nil:
		return readyData, nil
	case errors.Is(err, io.EOF):
		return readyClosed, nil
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return readyNone, nil
		}
		return readyNone, err
	}
}

func (c *Client) recv() ([]byte, error) {
	buf := make([]byte, dlttypes.DefaultRecvBufferSize)
	n, err := c.reader.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (c *Client) disconnect() {
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = nil
	c.reader = nil
	c.connected = false
}

// Disconnect is the exported, idempotent best-effort shutdown (spec.md
// §4.4).
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnect()
}

// --- dispatcher.Source adapter ---

// Poll satisfies dispatcher.Source: it owns the reconnect loop, the
// ready-to-read probe, and the throttled missing-connection logging.
func (c *Client) Poll() ([]byte, dispatcher.PollStatus, error) {
	if c.stopFlag.Load() {
		return nil, dispatcher.PollClosed, nil
	}

	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()

	if !connected {
		if c.disconnectedSince.IsZero() {
			c.disconnectedSince = time.Now()
		}
		if c.missingConnLog.Allow() {
			dltlog.Reconnectf("socketsource: no connection for %s", time.Since(c.disconnectedSince))
		}
		if err := c.Connect(); err != nil {
			return nil, dispatcher.PollData, nil
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, dispatcher.PollData, nil
	}

	status, err := c.readyToRead()
	if err != nil {
		c.disconnect()
		return nil, dispatcher.PollData, err
	}
	switch status {
	case readyClosed:
		c.disconnect()
		return nil, dispatcher.PollClosed, nil
	case readyNone:
		return nil, dispatcher.PollData, nil
	}

	data, err := c.recv()
	if err != nil {
		c.disconnect()
		if errors.Is(err, io.EOF) {
			return nil, dispatcher.PollClosed, nil
		}
		return nil, dispatcher.PollData, err
	}
	return data, dispatcher.PollData, nil
}

func (c *Client) HasStorageHeader() bool { return false }
func (c *Client) IsSocket() bool         { return true }

func (c *Client) BreakBlockingMainLoop() {
	c.stopFlag.Store(true)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnect()
}

// Close is the dispatcher.Source close hook, used when the 100-bad-frame
// threshold is crossed (spec.md §4.5) to force a reconnect.
func (c *Client) Close() error {
	c.Disconnect()
	return nil
}
