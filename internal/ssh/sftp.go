package ssh

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"
)

// PushBytes writes data to remotePath over SFTP and verifies the remote
// checksum. On mismatch the remote file is removed.
func PushBytes(cli *xssh.Client, data []byte, remotePath string) error {
	sf, err := sftp.NewClient(cli)
	if err != nil {
		return fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()

	if err := sf.MkdirAll(filepath.Dir(remotePath)); err != nil {
		return fmt.Errorf("mkdir remote: %w", err)
	}
	dst, err := sf.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote: %w", err)
	}
	if _, err := dst.Write(data); err != nil {
		dst.Close()
		return fmt.Errorf("write remote: %w", err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("close remote: %w", err)
	}

	sum := sha256.Sum256(data)
	if err := verifyRemoteChecksum(cli, remotePath, hex.EncodeToString(sum[:])); err != nil {
		_ = sf.Remove(remotePath)
		return fmt.Errorf("checksum verification: %w", err)
	}
	return nil
}

// Remove deletes remotePath over SFTP.
func Remove(cli *xssh.Client, remotePath string) error {
	sf, err := sftp.NewClient(cli)
	if err != nil {
		return fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()
	if err := sf.Remove(remotePath); err != nil {
		return fmt.Errorf("remove remote: %w", err)
	}
	return nil
}

func verifyRemoteChecksum(cli *xssh.Client, remotePath, expected string) error {
	session, err := cli.NewSession()
	if err != nil {
		return fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	out, err := session.Output(fmt.Sprintf("sha256sum %s | cut -d' ' -f1", remotePath))
	if err != nil {
		return fmt.Errorf("remote checksum: %w", err)
	}
	got := strings.TrimSpace(string(out))
	if got != expected {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", expected, got)
	}
	return nil
}
