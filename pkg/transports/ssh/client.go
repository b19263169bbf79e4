// Package ssh provides the transport used by remote step handlers for
// command execution and file transfer.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// TransportError wraps a failure in the transport layer.
type TransportError struct {
	Op          string // "connect", "exec", "upload", ...
	Err         error
	IsTemporary bool // retrying may help
	IsAuthError bool // credentials or host key were rejected
}

func (e *TransportError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// Temporary reports whether a retry might succeed.
func (e *TransportError) Temporary() bool { return e.IsTemporary }

var errNotConnected = errors.New("not connected")

// ConnectionInfo describes an active connection.
type ConnectionInfo struct {
	Host         string
	Port         int
	User         string
	ConnectedAt  time.Time
	LastActivity time.Time
}

// Client is an SSH connection to one remote host. Sessions for command
// execution and SFTP are created on demand from the shared connection.
type Client struct {
	config *Config

	mu          sync.RWMutex
	conn        *ssh.Client
	connectedAt time.Time
	lastUsedAt  time.Time
}

// NewClient validates config and returns a disconnected client.
func NewClient(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{config: config}, nil
}

// Connect dials the remote host. Connecting again while the connection is
// healthy is a no-op; a dead connection is replaced.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		if err := c.pingLocked(); err == nil {
			return nil
		}
		log.Warn().Str("host", c.config.Host).Msg("existing connection is dead, reconnecting")
		_ = c.conn.Close()
		c.conn = nil
	}

	clientConfig, err := c.config.BuildClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	address := c.config.Address()
	log.Debug().Str("address", address).Msg("dialing")

	conn, err := dialContext(ctx, address, clientConfig)
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsTemporary: true}
	}

	c.conn = conn
	c.connectedAt = time.Now()
	c.lastUsedAt = c.connectedAt

	if c.config.KeepAliveInterval > 0 {
		go c.keepAlive()
	}
	log.Info().Str("address", address).Msg("connected")
	return nil
}

// dialContext bounds ssh.Dial, which takes no context, by running it in a
// goroutine. A connection that lands after cancellation is closed rather
// than leaked.
func dialContext(ctx context.Context, address string, config *ssh.ClientConfig) (*ssh.Client, error) {
	type result struct {
		conn *ssh.Client
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := ssh.Dial("tcp", address, config)
		ch <- result{conn, err}
	}()

	select {
	case res := <-ch:
		return res.conn, res.err
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.conn != nil {
				_ = res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Disconnect closes the connection. Disconnecting a disconnected client is
// a no-op.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	log.Debug().Str("host", c.config.Host).Msg("disconnecting")

	err := c.conn.Close()
	c.conn = nil
	if err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

// IsConnected reports whether Connect has succeeded and the connection has
// not been closed since.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// HealthCheck proves the connection is usable by running a trivial command.
func (c *Client) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.conn == nil {
		return &TransportError{Op: "healthcheck", Err: errNotConnected}
	}
	return c.pingLocked()
}

// pingLocked needs at least a read lock on c.mu.
func (c *Client) pingLocked() error {
	session, err := c.conn.NewSession()
	if err != nil {
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	defer session.Close()

	if err := session.Run("true"); err != nil {
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	return nil
}

// keepAlive pings until the connection goes away or too many pings fail in
// a row.
func (c *Client) keepAlive() {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	failures := 0
	for range ticker.C {
		conn := c.current()
		if conn == nil {
			return
		}
		if _, _, err := conn.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			failures++
			log.Warn().Err(err).Int("failures", failures).Msg("keep-alive failed")
			if failures >= c.config.MaxKeepAliveRetries {
				log.Error().Str("host", c.config.Host).Msg("keep-alive gave up, connection presumed dead")
				return
			}
			continue
		}
		failures = 0
	}
}

func (c *Client) current() *ssh.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// Info reports connection identity and timing.
func (c *Client) Info() ConnectionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return ConnectionInfo{
		Host:         c.config.Host,
		Port:         c.config.Port,
		User:         c.config.User,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastUsedAt,
	}
}

// connection hands out the underlying client for session creation and
// stamps the activity time.
func (c *Client) connection() (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, &TransportError{Op: "session", Err: errNotConnected}
	}
	c.lastUsedAt = time.Now()
	return c.conn, nil
}
