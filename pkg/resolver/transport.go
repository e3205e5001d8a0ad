package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/appstage/pkg/transports/ssh"
)

var (
	// ErrNotFound means the reference does not name an existing payload.
	// Retrying will not help.
	ErrNotFound = errors.New("payload not found")

	// ErrUnreachable means the host or network failed. The fetch may
	// succeed later.
	ErrUnreachable = errors.New("payload host unreachable")

	// ErrTooLarge means the payload exceeded the configured size limit.
	ErrTooLarge = errors.New("payload too large")
)

// Transport fetches the bytes behind a reference. Errors wrap ErrNotFound,
// ErrUnreachable or ErrTooLarge.
type Transport interface {
	Fetch(ctx context.Context, ref *url.URL) ([]byte, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, ref *url.URL) ([]byte, error)

// Fetch calls f(ctx, ref).
func (f TransportFunc) Fetch(ctx context.Context, ref *url.URL) ([]byte, error) {
	return f(ctx, ref)
}

// readLimited reads at most limit bytes from r, failing with ErrTooLarge beyond.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, limit)
	}
	return data, nil
}

// HTTPTransport fetches http and https references.
type HTTPTransport struct {
	Client    *http.Client
	UserAgent string
	MaxSize   int64
}

// NewHTTPTransport returns a transport using a dedicated client.
func NewHTTPTransport(userAgent string, maxSize int64) *HTTPTransport {
	return &HTTPTransport{
		Client:    &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()},
		UserAgent: userAgent,
		MaxSize:   maxSize,
	}
}

// Fetch issues a GET. 404 and 410 map to ErrNotFound, other 4xx are
// permanent too; 5xx, 408, 429 and network failures map to ErrUnreachable.
func (t *HTTPTransport) Fetch(ctx context.Context, ref *url.URL) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if t.UserAgent != "" {
		req.Header.Set("User-Agent", t.UserAgent)
	}

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: %s returned %s", ErrUnreachable, ref.Redacted(), resp.Status)
	default:
		return nil, fmt.Errorf("%w: %s returned %s", ErrNotFound, ref.Redacted(), resp.Status)
	}

	data, err := readLimited(resp.Body, t.MaxSize)
	if err != nil {
		if errors.Is(err, ErrTooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: reading body: %v", ErrUnreachable, err)
	}
	return data, nil
}

// FileTransport reads file:// references from the local filesystem.
type FileTransport struct {
	MaxSize int64
}

// Fetch reads the file at ref.Path.
func (t FileTransport) Fetch(ctx context.Context, ref *url.URL) ([]byte, error) {
	path := ref.Path
	if path == "" {
		path = ref.Opaque
	}
	return readLocal(path, t.MaxSize)
}

// AssetTransport serves asset://<bundle>/<path> references from a bundle
// directory shipped with the installation media.
type AssetTransport struct {
	Root    string
	MaxSize int64
}

// Fetch reads Root/<host>/<path>. Paths escaping Root are not found.
func (t AssetTransport) Fetch(ctx context.Context, ref *url.URL) ([]byte, error) {
	if t.Root == "" {
		return nil, fmt.Errorf("%w: no asset directory configured", ErrNotFound)
	}

	rel := filepath.Join(ref.Host, filepath.FromSlash(ref.Path))
	if !filepath.IsLocal(rel) {
		return nil, fmt.Errorf("%w: asset path %q escapes the bundle", ErrNotFound, rel)
	}
	return readLocal(filepath.Join(t.Root, rel), t.MaxSize)
}

func readLocal(path string, maxSize int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrNotFound, path)
	}

	data, err := readLimited(f, maxSize)
	if err != nil {
		if errors.Is(err, ErrTooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return data, nil
}

// SFTPTransport fetches sftp://[user[:password]@]host[:port]/path references
// over SSH. One connection per host is kept open between fetches.
type SFTPTransport struct {
	base   *ssh.Config
	logger zerolog.Logger

	mu    sync.Mutex
	dial  func(cfg *ssh.Config) (ssh.Transport, error)
	conns map[string]ssh.Transport
}

// NewSFTPTransport returns a transport whose connections start from base.
func NewSFTPTransport(base *ssh.Config, logger zerolog.Logger) *SFTPTransport {
	t := &SFTPTransport{
		base:   base,
		logger: logger,
		conns:  make(map[string]ssh.Transport),
	}
	t.dial = func(cfg *ssh.Config) (ssh.Transport, error) {
		return ssh.NewSSHClient(cfg, t.logger)
	}
	return t
}

// Fetch reads ref.Path from the remote host.
func (t *SFTPTransport) Fetch(ctx context.Context, ref *url.URL) ([]byte, error) {
	cfg, err := ssh.ForURL(t.base, ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	conn, err := t.connection(ctx, cfg)
	if err != nil {
		return nil, err
	}

	data, err := conn.ReadFile(ctx, ref.Path)
	if err == nil {
		return data, nil
	}

	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, fs.ErrPermission):
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, ssh.ErrFileTooLarge):
		return nil, fmt.Errorf("%w: %v", ErrTooLarge, err)
	}

	// The connection may be broken; drop it so the next fetch redials.
	t.drop(cfg)
	return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
}

func (t *SFTPTransport) connection(ctx context.Context, cfg *ssh.Config) (ssh.Transport, error) {
	key := cfg.User + "@" + cfg.Address()

	t.mu.Lock()
	defer t.mu.Unlock()

	if conn, ok := t.conns[key]; ok {
		if conn.IsConnected() && conn.HealthCheck(ctx) == nil {
			return conn, nil
		}
		_ = conn.Disconnect()
		delete(t.conns, key)
	}

	conn, err := t.dial(cfg)
	if err != nil {
		// Invalid settings for this host will not fix themselves.
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if err := conn.Connect(ctx); err != nil {
		var terr *ssh.TransportError
		if errors.As(err, &terr) && terr.IsAuthError && !terr.IsTemporary {
			return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	t.conns[key] = conn
	return conn, nil
}

func (t *SFTPTransport) drop(cfg *ssh.Config) {
	key := cfg.User + "@" + cfg.Address()

	t.mu.Lock()
	defer t.mu.Unlock()

	if conn, ok := t.conns[key]; ok {
		_ = conn.Disconnect()
		delete(t.conns, key)
	}
}

// Close disconnects every open connection.
func (t *SFTPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var errs []error
	for key, conn := range t.conns {
		if err := conn.Disconnect(); err != nil {
			errs = append(errs, err)
		}
		delete(t.conns, key)
	}
	return errors.Join(errs...)
}
