package transport

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jlaffaye/ftp"
)

// ftpTransport adapts jlaffaye/ftp. Plain FTP survives only behind the
// ALLOW_PLAIN_FTP setting; the dialer enforces that before we get here.
type ftpTransport struct {
	conn   *ftp.ServerConn
	params Params
}

func dialFTP(ctx context.Context, params Params) (Transport, error) {
	var conn, err = ftp.Dial(params.addr(),
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(params.ControlTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("ftp dial %s: %w", params.addr(), err)
	}
	if err = conn.Login(params.Username, params.Password); err != nil {
		conn.Quit()
		return nil, fmt.Errorf("ftp login: %w", err)
	}
	return &ftpTransport{conn: conn, params: params}, nil
}

func (t *ftpTransport) Stat(_ context.Context, path string) (FileInfo, error) {
	var size, err = t.conn.FileSize(path)
	if err != nil {
		return FileInfo{}, fmt.Errorf("ftp SIZE %s: %w", path, err)
	}
	mtime, err := t.conn.GetTime(path)
	if err != nil {
		return FileInfo{}, fmt.Errorf("ftp MDTM %s: %w", path, err)
	}
	return FileInfo{Size: size, ModTime: mtime.UTC()}, nil
}

func (t *ftpTransport) Download(_ context.Context, path string, sink io.Writer, maxBytes int64) (int64, error) {
	var resp, err = t.conn.Retr(path)
	if err != nil {
		return 0, fmt.Errorf("ftp RETR %s: %w", path, err)
	}
	defer resp.Close()

	// The data-channel deadline is the hard wall-clock bound of the
	// whole transfer, not a per-read idle timeout.
	resp.SetDeadline(time.Now().Add(t.params.DataTimeout))

	n, err := copyBounded(sink, resp, maxBytes)
	if err != nil {
		return n, fmt.Errorf("ftp download %s: %w", path, err)
	}
	return n, nil
}

func (t *ftpTransport) TestConnection(_ context.Context) error {
	if err := t.conn.NoOp(); err != nil {
		return fmt.Errorf("ftp NOOP: %w", err)
	}
	return nil
}

func (t *ftpTransport) Close() error {
	return t.conn.Quit()
}
