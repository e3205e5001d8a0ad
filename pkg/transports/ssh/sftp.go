package ssh

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/pkg/sftp"
)

// ReadFile opens an SFTP session on the current connection and reads
// remotePath into memory, honoring MaxFileSize and ctx.
func (c *SSHClient) ReadFile(ctx context.Context, remotePath string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, remoteError("read", remotePath, err)
	}

	conn, err := c.getClient()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	session, err := sftp.NewClient(conn)
	if err != nil {
		return nil, &TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to start SFTP session: %w", err),
			IsTemporary: true,
		}
	}
	defer session.Close()

	f, err := session.Open(remotePath)
	if err != nil {
		return nil, remoteError("open", remotePath, err)
	}
	defer f.Close()

	limit := c.config.MaxFileSize
	var src io.Reader = ctxReader{ctx: ctx, r: f}
	if limit > 0 {
		src = io.LimitReader(src, limit+1)
	}

	var buf bytes.Buffer
	n, err := io.Copy(&buf, src)
	if err != nil {
		return nil, remoteError("read", remotePath, err)
	}
	if limit > 0 && n > limit {
		return nil, remoteError("read", remotePath, fmt.Errorf("%w (%d bytes)", ErrFileTooLarge, limit))
	}

	c.logger.Debug().
		Str("remote", remotePath).
		Int64("bytes", n).
		Dur("duration", time.Since(start)).
		Msg("remote file read")
	return buf.Bytes(), nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
