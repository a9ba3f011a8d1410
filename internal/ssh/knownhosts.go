package ssh

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// openKnownHosts opens the known_hosts file with the given flags, creating
// it and its directory when missing. Permissions stay 0600 so the strict
// callback accepts the file.
func openKnownHosts(path string, flag int) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("mkdir known_hosts dir: %w", err)
	}
	f, err := os.OpenFile(path, flag|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("open known_hosts: %w", err)
	}
	return f, nil
}

// EnsureKnownHostsFile creates the known_hosts file and its directory when
// missing.
func EnsureKnownHostsFile(path string) error {
	f, err := openKnownHosts(path, os.O_WRONLY)
	if err != nil {
		return err
	}
	return f.Close()
}

// AppendKnownHost trusts host with the given authorized-key text.
func AppendKnownHost(path, host, authorizedKey string) error {
	pubKey, _, _, _, err := xssh.ParseAuthorizedKey([]byte(strings.TrimSpace(authorizedKey)))
	if err != nil {
		return fmt.Errorf("parse authorized key: %w", err)
	}
	f, err := openKnownHosts(path, os.O_APPEND|os.O_WRONLY)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := fmt.Fprintln(f, knownhosts.Line([]string{host}, pubKey)); err != nil {
		return fmt.Errorf("write known_hosts: %w", err)
	}
	return nil
}

// LoadKnownHostsCallback returns a strict host key callback backed by the
// given file.
func LoadKnownHostsCallback(path string) (xssh.HostKeyCallback, error) {
	if err := EnsureKnownHostsFile(path); err != nil {
		return nil, err
	}
	return knownhosts.New(path)
}
