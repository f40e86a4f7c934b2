package transport

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

type sftpTransport struct {
	ssh    *ssh.Client
	client *sftp.Client
	params Params
}

func dialSFTP(_ context.Context, params Params) (Transport, error) {
	var sshConn, err = ssh.Dial("tcp", params.addr(), &ssh.ClientConfig{
		User: params.Username,
		Auth: []ssh.AuthMethod{ssh.Password(params.Password)},
		// Feed hosts rotate keys without notice; trust rests on the
		// credential, matching the behavior of the FTP arm.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         params.ControlTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", params.addr(), err)
	}
	client, err := sftp.NewClient(sshConn)
	if err != nil {
		sshConn.Close()
		return nil, fmt.Errorf("sftp subsystem: %w", err)
	}
	return &sftpTransport{ssh: sshConn, client: client, params: params}, nil
}

func (t *sftpTransport) Stat(ctx context.Context, path string) (FileInfo, error) {
	var done = t.watchdog(ctx, t.params.ControlTimeout)
	defer done()

	var info, err = t.client.Stat(path)
	if err != nil {
		return FileInfo{}, fmt.Errorf("sftp stat %s: %w", path, err)
	}
	return FileInfo{Size: info.Size(), ModTime: info.ModTime().UTC()}, nil
}

func (t *sftpTransport) Download(ctx context.Context, path string, sink io.Writer, maxBytes int64) (int64, error) {
	var done = t.watchdog(ctx, t.params.DataTimeout)
	defer done()

	var f, err = t.client.Open(path)
	if err != nil {
		return 0, fmt.Errorf("sftp open %s: %w", path, err)
	}
	defer f.Close()

	n, err := copyBounded(sink, f, maxBytes)
	if err != nil {
		return n, fmt.Errorf("sftp download %s: %w", path, err)
	}
	return n, nil
}

func (t *sftpTransport) TestConnection(ctx context.Context) error {
	var done = t.watchdog(ctx, t.params.ControlTimeout)
	defer done()

	if _, err := t.client.Getwd(); err != nil {
		return fmt.Errorf("sftp getwd: %w", err)
	}
	return nil
}

func (t *sftpTransport) Close() error {
	var err = t.client.Close()
	if serr := t.ssh.Close(); err == nil {
		err = serr
	}
	return err
}

// watchdog enforces a hard wall-clock bound by tearing down the SSH
// connection: the sftp package has no per-operation deadline, and a
// severed connection fails every outstanding call.
func (t *sftpTransport) watchdog(ctx context.Context, bound time.Duration) (cancel func()) {
	var ctx2, stop = context.WithTimeout(ctx, bound)
	go func() {
		<-ctx2.Done()
		if ctx2.Err() == context.DeadlineExceeded {
			t.ssh.Close()
		}
	}()
	return stop
}
