package executor

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gantry-dev/gantry/internal/registry"
	gssh "github.com/gantry-dev/gantry/internal/ssh"
)

// SSHExecutor runs services reachable only over SSH. The payload is
// spooled to the remote host via SFTP, the descriptor's command runs with
// the spool path appended, and its output is the response. The spool file
// is removed afterwards.
type SSHExecutor struct {
	User       string
	KeyPath    string
	KnownHosts string
}

func (e *SSHExecutor) Execute(ctx context.Context, d registry.Descriptor, payload []byte) ([]byte, error) {
	if len(d.Exec.Command) == 0 {
		return nil, fmt.Errorf("service %s has no exec command", d.Name)
	}

	signer, err := gssh.LoadPrivateKeySigner(e.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load key: %w", err)
	}
	kh, err := gssh.LoadKnownHostsCallback(e.KnownHosts)
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	client := &gssh.Client{
		Addr:       d.Address,
		User:       e.User,
		Signer:     signer,
		KnownHosts: kh,
		Timeout:    d.Timeout,
	}
	cli, err := client.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.Name, err)
	}
	defer cli.Close()

	spoolDir := d.Exec.SpoolDir
	if spoolDir == "" {
		spoolDir = "/tmp/gantry"
	}
	spoolPath := path.Join(spoolDir, uuid.NewString()+".json")
	if err := gssh.PushBytes(cli, payload, spoolPath); err != nil {
		return nil, fmt.Errorf("spool payload: %w", err)
	}
	defer func() {
		if err := gssh.Remove(cli, spoolPath); err != nil {
			log.Warn().Str("service", d.Name).Str("path", spoolPath).Err(err).Msg("spool cleanup failed")
		}
	}()

	command := strings.Join(d.Exec.Command, " ") + " " + spoolPath
	out, err := gssh.Run(ctx, cli, command)
	if err != nil {
		return nil, fmt.Errorf("execute on %s: %w", d.Name, err)
	}
	return out, nil
}
