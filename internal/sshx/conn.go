package sshx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/tidesync/tidesync/internal/errdefs"
	"github.com/tidesync/tidesync/internal/store"
)

// sshConn is one live session-capable connection. The indirection
// keeps pool and executor logic testable without a live SSH server.
type sshConn interface {
	// run executes cmd remotely. A non-zero remote exit status is
	// returned in code with err == nil; err signals transport failure.
	run(ctx context.Context, cmd string) (stdout, stderr []byte, code int, err error)
	keepalive() error
	close() error
}

// dialSSH is swapped out in tests.
var dialSSH = dialClient

func dialClient(ctx context.Context, srv *store.Server, timeout time.Duration) (sshConn, error) {
	cfg := &ssh.ClientConfig{
		User:    srv.Username,
		Timeout: timeout,
		// Mirrors the copy tool's StrictHostKeyChecking=no transport.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}
	if srv.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(srv.PrivateKey))
		if err != nil {
			return nil, errdefs.Wrap(errdefs.CodeValidation, err, "parse private key for %s", srv.Name)
		}
		cfg.Auth = append(cfg.Auth, ssh.PublicKeys(signer))
	}
	if srv.Password != "" {
		cfg.Auth = append(cfg.Auth, ssh.Password(srv.Password))
	}
	if len(cfg.Auth) == 0 {
		return nil, errdefs.New(errdefs.CodeValidation, "server %s has no usable credentials", srv.Name)
	}

	dialer := net.Dialer{Timeout: timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", srv.Addr())
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeConnection, err, "dial %s", srv.Addr())
	}
	conn, chans, reqs, err := ssh.NewClientConn(netConn, srv.Addr(), cfg)
	if err != nil {
		netConn.Close()
		if isAuthErr(err) {
			return nil, errdefs.Wrap(errdefs.CodeUnauthorized, err, "authenticate to %s", srv.Addr())
		}
		return nil, errdefs.Wrap(errdefs.CodeConnection, err, "ssh handshake with %s", srv.Addr())
	}
	return &clientConn{client: ssh.NewClient(conn, chans, reqs)}, nil
}

func isAuthErr(err error) bool {
	return err != nil && bytes.Contains([]byte(err.Error()), []byte("unable to authenticate"))
}

type clientConn struct {
	client *ssh.Client
}

func (c *clientConn) run(ctx context.Context, cmd string) ([]byte, []byte, int, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return nil, nil, -1, fmt.Errorf("open session: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		sess.Close()
		return stdout.Bytes(), stderr.Bytes(), -1, ctx.Err()
	case err := <-done:
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				return stdout.Bytes(), stderr.Bytes(), exitErr.ExitStatus(), nil
			}
			return stdout.Bytes(), stderr.Bytes(), -1, err
		}
		return stdout.Bytes(), stderr.Bytes(), 0, nil
	}
}

func (c *clientConn) keepalive() error {
	_, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil)
	return err
}

func (c *clientConn) close() error {
	return c.client.Close()
}
