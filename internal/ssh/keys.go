package ssh

import (
	"fmt"
	"os"

	xssh "golang.org/x/crypto/ssh"
)

// LoadPrivateKeySigner reads an OpenSSH/PEM private key file without a
// passphrase and returns a signer for it.
func LoadPrivateKeySigner(path string) (xssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	signer, err := xssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}
