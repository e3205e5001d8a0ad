package resolver

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/appstage/pkg/transports/ssh"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse %s: %v", raw, err)
	}
	return u
}

func TestHTTPTransportStatusMapping(t *testing.T) {
	var gotAgent string
	var mu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotAgent = r.UserAgent()
		mu.Unlock()

		switch r.URL.Path {
		case "/ok":
			fmt.Fprint(w, "id: a\nversion: 1\n")
		case "/big":
			fmt.Fprint(w, strings.Repeat("x", 64))
		case "/gone":
			w.WriteHeader(http.StatusGone)
		case "/forbidden":
			w.WriteHeader(http.StatusForbidden)
		case "/busy":
			w.WriteHeader(http.StatusServiceUnavailable)
		case "/throttled":
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	tr := NewHTTPTransport("appstage-test", 32)

	tests := []struct {
		path    string
		wantErr error
	}{
		{path: "/ok"},
		{path: "/missing", wantErr: ErrNotFound},
		{path: "/gone", wantErr: ErrNotFound},
		{path: "/forbidden", wantErr: ErrNotFound},
		{path: "/busy", wantErr: ErrUnreachable},
		{path: "/throttled", wantErr: ErrUnreachable},
		{path: "/big", wantErr: ErrTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			data, err := tr.Fetch(context.Background(), mustParse(t, srv.URL+tt.path))
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Fetch failed: %v", err)
				}
				if !strings.HasPrefix(string(data), "id: a") {
					t.Errorf("unexpected body %q", data)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	mu.Lock()
	defer mu.Unlock()
	if gotAgent != "appstage-test" {
		t.Errorf("expected user agent to be sent, got %q", gotAgent)
	}
}

func TestHTTPTransportUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := NewHTTPTransport("", 0).Fetch(context.Background(), mustParse(t, addr+"/profile.yaml"))
	if !errors.Is(err, ErrUnreachable) {
		t.Errorf("expected unreachable, got %v", err)
	}
}

func TestFileTransport(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "form.yaml")
	if err := os.WriteFile(path, []byte("id: form\nversion: 1\n"), 0644); err != nil {
		t.Fatal(err)
	}

	tr := FileTransport{MaxSize: 1024}
	ctx := context.Background()

	data, err := tr.Fetch(ctx, mustParse(t, "file://"+path))
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if !strings.Contains(string(data), "id: form") {
		t.Errorf("unexpected data %q", data)
	}

	// Bare paths parse with an empty scheme.
	if _, err := tr.Fetch(ctx, mustParse(t, path)); err != nil {
		t.Errorf("bare path fetch failed: %v", err)
	}

	if _, err := tr.Fetch(ctx, mustParse(t, "file://"+filepath.Join(dir, "missing.yaml"))); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if _, err := tr.Fetch(ctx, mustParse(t, "file://"+dir)); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not found for a directory, got %v", err)
	}

	small := FileTransport{MaxSize: 4}
	if _, err := small.Fetch(ctx, mustParse(t, "file://"+path)); !errors.Is(err, ErrTooLarge) {
		t.Errorf("expected too large, got %v", err)
	}
}

func TestAssetTransport(t *testing.T) {
	root := t.TempDir()
	bundle := filepath.Join(root, "direct_install")
	if err := os.MkdirAll(bundle, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(bundle, "profile.yaml"), []byte("id: application-profile\n"), 0644); err != nil {
		t.Fatal(err)
	}

	tr := AssetTransport{Root: root}
	ctx := context.Background()

	if _, err := tr.Fetch(ctx, mustParse(t, "asset://direct_install/profile.yaml")); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if _, err := tr.Fetch(ctx, mustParse(t, "asset://direct_install/../../etc/passwd")); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected traversal to be refused, got %v", err)
	}
	if _, err := (AssetTransport{}).Fetch(ctx, mustParse(t, "asset://direct_install/profile.yaml")); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not found without a root, got %v", err)
	}
}

// fakeSFTP serves files from a map and counts connections.
type fakeSFTP struct {
	mu         sync.Mutex
	files      map[string][]byte
	connectErr error
	readErr    error
	connected  bool
	connects   int
}

func (f *fakeSFTP) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeSFTP) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeSFTP) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSFTP) HealthCheck(context.Context) error { return nil }

func (f *fakeSFTP) ReadFile(_ context.Context, remotePath string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	data, ok := f.files[remotePath]
	if !ok {
		return nil, &ssh.TransportError{Op: "read", Err: fs.ErrNotExist}
	}
	return data, nil
}

func newFakeSFTPTransport(fake *fakeSFTP) (*SFTPTransport, *[]*ssh.Config) {
	base := ssh.DefaultConfig("", "mirror")
	tr := NewSFTPTransport(base, zerolog.Nop())

	var dialed []*ssh.Config
	tr.dial = func(cfg *ssh.Config) (ssh.Transport, error) {
		dialed = append(dialed, cfg)
		return fake, nil
	}
	return tr, &dialed
}

func TestSFTPTransportFetch(t *testing.T) {
	fake := &fakeSFTP{files: map[string][]byte{"/apps/profile.yaml": []byte("id: application-profile\n")}}
	tr, dialed := newFakeSFTPTransport(fake)
	ctx := context.Background()

	data, err := tr.Fetch(ctx, mustParse(t, "sftp://deploy@mirror.example.org:2222/apps/profile.yaml"))
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if !strings.HasPrefix(string(data), "id: application-profile") {
		t.Errorf("unexpected data %q", data)
	}

	if _, err := tr.Fetch(ctx, mustParse(t, "sftp://deploy@mirror.example.org:2222/apps/missing.yaml")); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}

	if len(*dialed) != 1 || fake.connects != 1 {
		t.Fatalf("expected one reused connection, dialed %d connected %d", len(*dialed), fake.connects)
	}
	cfg := (*dialed)[0]
	if cfg.Host != "mirror.example.org" || cfg.Port != 2222 || cfg.User != "deploy" {
		t.Errorf("unexpected dial config %s@%s:%d", cfg.User, cfg.Host, cfg.Port)
	}

	if err := tr.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if fake.IsConnected() {
		t.Error("connection still open after Close")
	}
}

func TestSFTPTransportErrors(t *testing.T) {
	ctx := context.Background()
	ref := "sftp://mirror.example.org/apps/profile.yaml"

	t.Run("connection refused", func(t *testing.T) {
		fake := &fakeSFTP{connectErr: &ssh.TransportError{Op: "connect", Err: errors.New("connection refused"), IsTemporary: true}}
		tr, _ := newFakeSFTPTransport(fake)
		if _, err := tr.Fetch(ctx, mustParse(t, ref)); !errors.Is(err, ErrUnreachable) {
			t.Errorf("expected unreachable, got %v", err)
		}
	})

	t.Run("bad credentials", func(t *testing.T) {
		fake := &fakeSFTP{connectErr: &ssh.TransportError{Op: "auth", Err: errors.New("no key"), IsAuthError: true}}
		tr, _ := newFakeSFTPTransport(fake)
		if _, err := tr.Fetch(ctx, mustParse(t, ref)); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected not found, got %v", err)
		}
	})

	t.Run("too large", func(t *testing.T) {
		fake := &fakeSFTP{readErr: ssh.ErrFileTooLarge}
		tr, _ := newFakeSFTPTransport(fake)
		if _, err := tr.Fetch(ctx, mustParse(t, ref)); !errors.Is(err, ErrTooLarge) {
			t.Errorf("expected too large, got %v", err)
		}
	})

	t.Run("broken session redials", func(t *testing.T) {
		fake := &fakeSFTP{readErr: errors.New("EOF")}
		tr, dialed := newFakeSFTPTransport(fake)
		for i := 0; i < 2; i++ {
			if _, err := tr.Fetch(ctx, mustParse(t, ref)); !errors.Is(err, ErrUnreachable) {
				t.Errorf("expected unreachable, got %v", err)
			}
		}
		if len(*dialed) != 2 {
			t.Errorf("expected a redial after a failed read, got %d dials", len(*dialed))
		}
	})

	t.Run("no host", func(t *testing.T) {
		tr, _ := newFakeSFTPTransport(&fakeSFTP{})
		if _, err := tr.Fetch(ctx, mustParse(t, "sftp:///apps/profile.yaml")); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected not found, got %v", err)
		}
	})
}
