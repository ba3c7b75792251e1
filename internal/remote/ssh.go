// Copyright 2021 - 2025 Crunchy Data Solutions, Inc.
//
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/sync/singleflight"

	"github.com/crunchydata/segment-recovery/internal/logging"
	"github.com/crunchydata/segment-recovery/internal/shell"
)

// SSH runs commands on hosts over SSH. It keeps one connection per host and
// opens a session for every command.
type SSH struct {
	config *ssh.ClientConfig
	port   int

	mutex   sync.Mutex
	clients map[string]*ssh.Client
	dialing singleflight.Group
}

// NewSSH returns an SSH that authenticates as user with the private key in
// identityFile. Host keys are verified against knownHostsFile.
func NewSSH(user string, port int, identityFile, knownHostsFile string) (*SSH, error) {
	key, err := os.ReadFile(identityFile) // #nosec G304 -- path from the operator
	if err != nil {
		return nil, errors.WithStack(err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to parse %s", identityFile)
	}

	callback, err := knownhosts.New(knownHostsFile)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return NewSSHWithConfig(&ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: callback,
		Timeout:         10 * time.Second,
	}, port), nil
}

// NewSSHWithConfig returns an SSH that connects to port of each host using config.
func NewSSHWithConfig(config *ssh.ClientConfig, port int) *SSH {
	return &SSH{config: config, port: port, clients: make(map[string]*ssh.Client)}
}

// client returns the connection to host, dialing it if necessary. Callers
// for the same host share one dial; callers for other hosts never wait on it.
func (s *SSH) client(ctx context.Context, host string) (*ssh.Client, error) {
	s.mutex.Lock()
	c, ok := s.clients[host]
	s.mutex.Unlock()
	if ok {
		return c, nil
	}

	dialed := s.dialing.DoChan(host, func() (any, error) {
		s.mutex.Lock()
		c, ok := s.clients[host]
		s.mutex.Unlock()
		if ok {
			return c, nil
		}

		c, err := s.dial(ctx, host)
		if err != nil {
			return nil, err
		}

		s.mutex.Lock()
		s.clients[host] = c
		s.mutex.Unlock()
		return c, nil
	})

	select {
	case <-ctx.Done():
		return nil, errors.WithStack(ctx.Err())
	case r := <-dialed:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*ssh.Client), nil
	}
}

// dial connects to host and completes the SSH handshake before ctx is done
// and within the configured timeout.
func (s *SSH) dial(ctx context.Context, host string) (*ssh.Client, error) {
	address := net.JoinHostPort(host, strconv.Itoa(s.port))
	logging.FromContext(ctx).V(1).Info("Connecting", "address", address)

	if s.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.Timeout)
		defer cancel()
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	// The handshake reads and writes conn directly; interrupt it with a
	// deadline in the past when ctx is done.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })

	c, chans, reqs, err := ssh.NewClientConn(conn, address, s.config)
	stop()

	if err == nil && ctx.Err() != nil {
		_ = c.Close()
		err = ctx.Err()
	}
	if err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil, errors.Wrapf(ctx.Err(), "ssh handshake with %s", address)
		}
		return nil, errors.WithStack(err)
	}

	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

// forget closes and removes the connection to host.
func (s *SSH) forget(host string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if c, ok := s.clients[host]; ok {
		_ = c.Close()
		delete(s.clients, host)
	}
}

// Execute implements [Executor]. The command is quoted into one line of
// shell for the remote login shell.
func (s *SSH) Execute(
	ctx context.Context, host string,
	stdin io.Reader, stdout, stderr io.Writer, command ...string,
) error {
	client, err := s.client(ctx, host)
	if err != nil {
		return err
	}

	session, err := client.NewSession()
	if err != nil {
		// The connection may have dropped; dial again next time.
		s.forget(host)
		return errors.WithStack(err)
	}
	defer session.Close()

	session.Stdin, session.Stdout, session.Stderr = stdin, stdout, stderr

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = session.Signal(ssh.SIGKILL)
			_ = session.Close()
		case <-done:
		}
	}()

	err = session.Run(strings.Join(shell.QuoteWords(command...), " "))
	if ctx.Err() != nil {
		return errors.WithStack(ctx.Err())
	}
	return err
}

// Close closes every connection.
func (s *SSH) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var errs []error
	for host, c := range s.clients {
		if err := c.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
		delete(s.clients, host)
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
