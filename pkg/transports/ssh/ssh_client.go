package ssh

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// SSHClient is a Transport over one SSH connection, optionally through a
// jump host.
type SSHClient struct {
	config *Config
	logger zerolog.Logger

	mu          sync.RWMutex
	client      *ssh.Client
	proxy       *ssh.Client
	connectedAt time.Time
	stopKeep    chan struct{}
}

// NewSSHClient validates config and returns an unconnected client.
func NewSSHClient(config *Config, logger zerolog.Logger) (*SSHClient, error) {
	if err := config.Validate(); err != nil {
		return nil, &TransportError{Op: "config", Err: err}
	}
	return &SSHClient{
		config: config,
		logger: logger.With().Str("component", "sftp").Str("host", config.Host).Logger(),
	}, nil
}

// Connect dials the mirror, through the jump host when one is configured.
// A live connection is kept; a stale one is replaced.
func (c *SSHClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		if err := ping(c.client); err == nil {
			return nil
		}
		c.logger.Warn().Msg("SSH connection went stale, reconnecting")
		_ = c.closeLocked()
	}

	target, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}
	address := c.config.Address()

	var proxy *ssh.Client
	var conn net.Conn
	if c.config.IsProxyEnabled() {
		if proxy, err = c.dialProxy(ctx); err != nil {
			return err
		}
		conn, err = proxy.Dial("tcp", address)
	} else {
		d := net.Dialer{Timeout: c.config.ConnectionTimeout}
		conn, err = d.DialContext(ctx, "tcp", address)
	}
	if err != nil {
		if proxy != nil {
			_ = proxy.Close()
		}
		return &TransportError{Op: "connect", Err: err, IsTemporary: true}
	}

	client, err := handshake(ctx, "connect", conn, address, target)
	if err != nil {
		if proxy != nil {
			_ = proxy.Close()
		}
		return err
	}

	c.established(client, proxy)
	ev := c.logger.Info().Str("address", address)
	if proxy != nil {
		ev = ev.Str("proxy", c.config.ProxyAddress())
	}
	ev.Msg("SSH connection established")
	return nil
}

func (c *SSHClient) dialProxy(ctx context.Context) (*ssh.Client, error) {
	jump := c.config.jumpConfig()
	cfg, err := jump.BuildSSHClientConfig()
	if err != nil {
		return nil, &TransportError{Op: "connect-proxy", Err: err, IsAuthError: true}
	}

	c.logger.Debug().Str("proxy", jump.Address()).Msg("connecting to jump host")
	d := net.Dialer{Timeout: jump.ConnectionTimeout}
	conn, err := d.DialContext(ctx, "tcp", jump.Address())
	if err != nil {
		return nil, &TransportError{Op: "connect-proxy", Err: err, IsTemporary: true}
	}
	return handshake(ctx, "connect-proxy", conn, jump.Address(), cfg)
}

// handshake runs the SSH handshake on conn. conn is closed when ctx ends
// first or the handshake fails.
func handshake(ctx context.Context, op string, conn net.Conn, address string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	if cfg.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(cfg.Timeout))
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })

	ncc, chans, reqs, err := ssh.NewClientConn(conn, address, cfg)
	if !stop() {
		if err == nil {
			_ = ncc.Close()
		}
		return nil, &TransportError{Op: op, Err: ctx.Err(), IsTemporary: true}
	}
	if err != nil {
		_ = conn.Close()
		auth := strings.Contains(err.Error(), "unable to authenticate")
		return nil, &TransportError{Op: op, Err: err, IsTemporary: !auth, IsAuthError: auth}
	}

	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(ncc, chans, reqs), nil
}

// established records a live connection. c.mu must be held.
func (c *SSHClient) established(client, proxy *ssh.Client) {
	c.client = client
	c.proxy = proxy
	c.connectedAt = time.Now()

	if c.config.KeepAliveInterval > 0 {
		c.stopKeep = make(chan struct{})
		go c.keepAlive(client, c.stopKeep)
	}
}

// closeLocked tears the connection down. c.mu must be held.
func (c *SSHClient) closeLocked() error {
	if c.stopKeep != nil {
		close(c.stopKeep)
		c.stopKeep = nil
	}
	var err error
	if c.client != nil {
		err = c.client.Close()
	}
	if c.proxy != nil {
		_ = c.proxy.Close()
	}
	c.client, c.proxy = nil, nil
	return err
}

func (c *SSHClient) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}
	c.logger.Debug().Dur("uptime", time.Since(c.connectedAt)).Msg("closing SSH connection")
	if err := c.closeLocked(); err != nil && !errors.Is(err, net.ErrClosed) {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

func (c *SSHClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client != nil
}

// HealthCheck sends a keepalive request. SFTP-only accounts usually refuse
// exec sessions, so no command is run.
func (c *SSHClient) HealthCheck(ctx context.Context) error {
	client, err := c.getClient()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return &TransportError{Op: "healthcheck", Err: err}
	}
	if err := ping(client); err != nil {
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	return nil
}

func ping(client *ssh.Client) error {
	_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
	return err
}

// keepAlive pings the server every KeepAliveInterval until stop is closed
// or MaxKeepAliveRetries pings in a row fail.
func (c *SSHClient) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if err := ping(client); err != nil {
			failures++
			c.logger.Warn().Err(err).Int("failures", failures).Msg("keep-alive failed")
			if failures >= c.config.MaxKeepAliveRetries {
				c.logger.Error().Msg("giving up on keep-alive, connection is probably dead")
				return
			}
			continue
		}
		failures = 0
	}
}

func (c *SSHClient) getClient() (*ssh.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.client == nil {
		return nil, &TransportError{Op: "session", Err: errors.New("not connected")}
	}
	return c.client, nil
}
