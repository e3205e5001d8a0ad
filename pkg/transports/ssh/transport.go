// Package ssh fetches payloads from SFTP mirrors over SSH.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
)

// ErrFileTooLarge is returned when a remote file exceeds Config.MaxFileSize.
var ErrFileTooLarge = errors.New("remote file exceeds size limit")

// Transport is one connection to an SFTP mirror.
type Transport interface {
	// Connect dials the mirror. Connecting an open transport is a no-op.
	Connect(ctx context.Context) error

	// Disconnect closes the connection. Closing a closed transport is a no-op.
	Disconnect() error

	IsConnected() bool

	// HealthCheck round-trips a keepalive request on the open connection.
	HealthCheck(ctx context.Context) error

	// ReadFile reads a remote file. A missing file matches fs.ErrNotExist.
	ReadFile(ctx context.Context, remotePath string) ([]byte, error)
}

// TransportError is returned by every Transport method. Temporary errors
// (network failures, dropped sessions) may succeed on a later attempt;
// auth errors and missing files will not.
type TransportError struct {
	Op          string
	Err         error
	IsTemporary bool
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("sftp %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// remoteError classifies an SFTP failure on remotePath.
func remoteError(op, remotePath string, err error) *TransportError {
	permanent := errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) ||
		errors.Is(err, ErrFileTooLarge) || errors.Is(err, context.Canceled)
	return &TransportError{
		Op:          op,
		Err:         fmt.Errorf("%s: %w", remotePath, err),
		IsTemporary: !permanent,
	}
}
