package ssh

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

type AuthMethod string

const (
	AuthMethodPassword AuthMethod = "password"
	AuthMethodKey      AuthMethod = "key"
)

// Config describes how to reach one SFTP mirror.
type Config struct {
	Host string
	Port int
	User string

	AuthMethod           AuthMethod
	Password             string
	PrivateKeyPath       string // empty picks the first of ~/.ssh/id_{ed25519,rsa,ecdsa}
	PrivateKeyPassphrase string

	// With StrictHostKeyChecking off, or no KnownHostsPath, any host key
	// is accepted.
	KnownHostsPath        string
	StrictHostKeyChecking bool

	ConnectionTimeout   time.Duration
	KeepAliveInterval   time.Duration // 0 disables keep-alive
	MaxKeepAliveRetries int

	// MaxFileSize caps ReadFile. Zero means no cap.
	MaxFileSize int64

	// Jump host. Unused while ProxyHost is empty.
	ProxyHost           string
	ProxyPort           int
	ProxyUser           string
	ProxyAuthMethod     AuthMethod
	ProxyPassword       string
	ProxyPrivateKeyPath string
}

// DefaultConfig uses key auth against host:22 with known_hosts checking.
func DefaultConfig(host string, user string) *Config {
	return &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            AuthMethodKey,
		KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectionTimeout:     30 * time.Second,
		MaxKeepAliveRetries:   3,
		MaxFileSize:           64 << 20,
		ProxyPort:             22,
	}
}

// ForURL returns a copy of base pointed at the host, port and user of an
// sftp:// reference. Fields the URL leaves out keep base's values.
func ForURL(base *Config, u *url.URL) (*Config, error) {
	if u.Scheme != "sftp" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("sftp reference %s has no host", u.Redacted())
	}

	cfg := *base
	cfg.Host = u.Hostname()
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid port in %s: %w", u.Redacted(), err)
		}
		cfg.Port = port
	}
	if u.User != nil {
		cfg.User = u.User.Username()
		if pass, ok := u.User.Password(); ok {
			cfg.AuthMethod = AuthMethodPassword
			cfg.Password = pass
		}
	}
	return &cfg, nil
}

func validPort(p int) bool { return p > 0 && p <= 65535 }

// Validate reports the first unusable setting. For key auth without a
// PrivateKeyPath it fills in the first default key found.
func (c *Config) Validate() error {
	switch {
	case c.Host == "":
		return errors.New("host is required")
	case !validPort(c.Port):
		return fmt.Errorf("invalid port: %d", c.Port)
	case c.User == "":
		return errors.New("user is required")
	}

	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return errors.New("password is required for password authentication")
		}
	case AuthMethodKey:
		if c.PrivateKeyPath == "" {
			c.PrivateKeyPath = defaultPrivateKey()
		}
		if c.PrivateKeyPath == "" {
			return errors.New("private key path is required for key authentication and no default key found")
		}
		if _, err := os.Stat(c.PrivateKeyPath); errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
		}
	default:
		return fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}

	switch {
	case c.ConnectionTimeout <= 0:
		return errors.New("connection timeout must be positive")
	case c.MaxFileSize < 0:
		return errors.New("max file size must not be negative")
	case c.ProxyHost != "" && !validPort(c.ProxyPort):
		return fmt.Errorf("invalid proxy port: %d", c.ProxyPort)
	case c.ProxyHost != "" && c.ProxyUser == "":
		return errors.New("proxy user is required when proxy host is specified")
	}
	return nil
}

func defaultPrivateKey() string {
	dir := filepath.Join(os.Getenv("HOME"), ".ssh")
	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// BuildSSHClientConfig loads credentials and the host key callback.
func (c *Config) BuildSSHClientConfig() (*ssh.ClientConfig, error) {
	auth, err := c.authMethod()
	if err != nil {
		return nil, err
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if c.StrictHostKeyChecking && c.KnownHostsPath != "" {
		if hostKey, err = knownhosts.New(c.KnownHostsPath); err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: hostKey,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

func (c *Config) authMethod() (ssh.AuthMethod, error) {
	switch c.AuthMethod {
	case AuthMethodPassword:
		return ssh.Password(c.Password), nil
	case AuthMethodKey:
		pem, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		var signer ssh.Signer
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(pem)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		return ssh.PublicKeys(signer), nil
	default:
		return nil, fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}
}

// jumpConfig is the Config for dialing the jump host itself.
func (c *Config) jumpConfig() *Config {
	return &Config{
		Host:                  c.ProxyHost,
		Port:                  c.ProxyPort,
		User:                  c.ProxyUser,
		AuthMethod:            c.ProxyAuthMethod,
		Password:              c.ProxyPassword,
		PrivateKeyPath:        c.ProxyPrivateKeyPath,
		KnownHostsPath:        c.KnownHostsPath,
		StrictHostKeyChecking: c.StrictHostKeyChecking,
		ConnectionTimeout:     c.ConnectionTimeout,
	}
}

func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ProxyAddress is empty when no jump host is configured.
func (c *Config) ProxyAddress() string {
	if !c.IsProxyEnabled() {
		return ""
	}
	return net.JoinHostPort(c.ProxyHost, strconv.Itoa(c.ProxyPort))
}

func (c *Config) IsProxyEnabled() bool {
	return c.ProxyHost != ""
}
