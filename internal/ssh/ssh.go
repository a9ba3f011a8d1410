package ssh

import (
	"context"
	"errors"
	"fmt"
	"time"

	xssh "golang.org/x/crypto/ssh"
)

// Client holds connection parameters for one SSH endpoint.
type Client struct {
	Addr       string
	User       string
	Signer     xssh.Signer
	KnownHosts xssh.HostKeyCallback
	Timeout    time.Duration
}

func (c *Client) makeConfig() (*xssh.ClientConfig, error) {
	if c.Signer == nil {
		return nil, errors.New("ssh: signer required")
	}
	hk := c.KnownHosts
	if hk == nil {
		return nil, errors.New("ssh: host key callback required")
	}
	return &xssh.ClientConfig{
		User:            c.User,
		Auth:            []xssh.AuthMethod{xssh.PublicKeys(c.Signer)},
		HostKeyCallback: hk,
		Timeout:         c.Timeout,
	}, nil
}

// Dial establishes the SSH connection. The caller closes the returned
// client.
func (c *Client) Dial(ctx context.Context) (*xssh.Client, error) {
	cfg, err := c.makeConfig()
	if err != nil {
		return nil, err
	}
	type res struct {
		cli *xssh.Client
		err error
	}
	ch := make(chan res, 1)
	go func() {
		cli, err := xssh.Dial("tcp", c.Addr, cfg)
		ch <- res{cli: cli, err: err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.cli, r.err
	}
}

// Run executes command on an established connection and returns its
// combined output.
func Run(ctx context.Context, cli *xssh.Client, command string) ([]byte, error) {
	session, err := cli.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	type res struct {
		out []byte
		err error
	}
	ch := make(chan res, 1)
	go func() {
		out, err := session.CombinedOutput(command)
		ch <- res{out: out, err: err}
	}()
	select {
	case <-ctx.Done():
		_ = session.Signal(xssh.SIGKILL)
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return r.out, fmt.Errorf("run command: %w", r.err)
		}
		return r.out, nil
	}
}
