package credentials

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

// KeyFileError explains why a private key file was rejected.
type KeyFileError struct {
	Path   string
	Reason string
}

func (e *KeyFileError) Error() string {
	return fmt.Sprintf("ssh key %s: %s", e.Path, e.Reason)
}

// ValidateKeyFile checks that path is a regular file readable only by its
// owner and holding a private key. Passphrase protected keys are accepted.
func ValidateKeyFile(path string) error {
	if path == "" {
		return &KeyFileError{Path: path, Reason: "path is required"}
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &KeyFileError{Path: path, Reason: "file does not exist"}
		}
		return &KeyFileError{Path: path, Reason: err.Error()}
	}
	if !info.Mode().IsRegular() {
		return &KeyFileError{Path: path, Reason: "not a regular file"}
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return &KeyFileError{Path: path, Reason: fmt.Sprintf("insecure permissions %04o, must be 0600 or 0400", perm)}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return &KeyFileError{Path: path, Reason: err.Error()}
	}
	if _, err := ssh.ParseRawPrivateKey(data); err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil
		}
		return &KeyFileError{Path: path, Reason: "not a private key: " + err.Error()}
	}
	return nil
}
