// Package transport fetches remote feed files over FTP or SFTP behind a
// small adapter surface: stat, bounded download, connection test. Every
// operation carries a hard wall-clock bound.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"os"
	"time"

	"github.com/ammoindex/datafeed/model"
)

var (
	// ErrFileTooLarge aborts a download past its byte bound.
	ErrFileTooLarge = errors.New("remote file exceeds size limit")
	// ErrNotAllowed rejects plain FTP when the global setting forbids it.
	ErrNotAllowed = errors.New("plain FTP transport is not allowed")
)

const (
	DefaultControlTimeout = 10 * time.Second
	DefaultDataTimeout    = 30 * time.Second
)

// FileInfo is the stat result used for change detection.
type FileInfo struct {
	Size    int64
	ModTime time.Time
}

// Transport is one live connection to a remote feed host.
type Transport interface {
	// Stat returns the remote file's size and modification time.
	Stat(ctx context.Context, path string) (FileInfo, error)
	// Download streams the remote file into sink, aborting with
	// ErrFileTooLarge once more than maxBytes arrive.
	Download(ctx context.Context, path string, sink io.Writer, maxBytes int64) (int64, error)
	// TestConnection verifies connectivity and authentication.
	TestConnection(ctx context.Context) error
	Close() error
}

// Params configure one connection.
type Params struct {
	Kind     model.TransportKind
	Host     string
	Port     int
	Username string
	Password string

	ControlTimeout time.Duration
	DataTimeout    time.Duration
}

func (p Params) withDefaults() Params {
	if p.ControlTimeout == 0 {
		p.ControlTimeout = DefaultControlTimeout
	}
	if p.DataTimeout == 0 {
		p.DataTimeout = DefaultDataTimeout
	}
	return p
}

func (p Params) addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// Dialer validates and opens transports. AllowPlainFTP mirrors the
// ALLOW_PLAIN_FTP global setting at the time of the dial.
type Dialer struct {
	AllowPlainFTP bool
}

// Dial opens a transport for params, enforcing the plain-FTP policy.
func (d Dialer) Dial(ctx context.Context, params Params) (Transport, error) {
	params = params.withDefaults()
	switch params.Kind {
	case model.TransportSFTP:
		return dialSFTP(ctx, params)
	case model.TransportFTP:
		if !d.AllowPlainFTP {
			return nil, ErrNotAllowed
		}
		return dialFTP(ctx, params)
	}
	return nil, fmt.Errorf("unknown transport kind %q", params.Kind)
}

// copyBounded copies src into sink, failing once the budget is exceeded.
func copyBounded(sink io.Writer, src io.Reader, maxBytes int64) (int64, error) {
	var n, err = io.Copy(sink, io.LimitReader(src, maxBytes+1))
	if err != nil {
		return n, err
	}
	if n > maxBytes {
		return n, ErrFileTooLarge
	}
	return n, nil
}

// FailureCode buckets a transport error into the run failure taxonomy.
func FailureCode(err error) string {
	switch {
	case errors.Is(err, ErrNotAllowed):
		return model.FailTransportNotAllowed
	case errors.Is(err, ErrFileTooLarge):
		return model.FailFileTooLarge
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded):
		return model.FailTimeout
	case errors.Is(err, os.ErrNotExist):
		return model.FailFileNotFound
	case errors.Is(err, os.ErrPermission):
		return model.FailAuth
	}

	var proto *textproto.Error
	if errors.As(err, &proto) {
		switch {
		case proto.Code == 530 || proto.Code == 430 || proto.Code == 332:
			return model.FailAuth
		case proto.Code == 550:
			return model.FailFileNotFound
		}
	}

	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return model.FailTimeout
	}
	return model.FailTransport
}
