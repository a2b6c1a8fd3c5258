package relay

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ReadSecretFile returns the secret stored at path, without surrounding whitespace.
func ReadSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading relay secret: %w", err)
	}
	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return "", fmt.Errorf("%w: %s", ErrNoSecret, path)
	}
	return secret, nil
}

// LoadOrCreateSecretFile returns the secret at path. When the file does not
// exist a new secret is generated and written with mode 0600, creating the
// parent directory if needed. The secret therefore survives gateway restarts.
func LoadOrCreateSecretFile(path string) (string, error) {
	secret, err := ReadSecretFile(path)
	if err == nil {
		return secret, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}

	secret, err = NewSecret()
	if err != nil {
		return "", err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", fmt.Errorf("creating relay secret directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("creating relay secret file: %w", err)
	}
	if _, err := f.WriteString(secret + "\n"); err != nil {
		f.Close() //nolint:errcheck // Write error takes precedence
		return "", fmt.Errorf("writing relay secret file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("writing relay secret file: %w", err)
	}
	return secret, nil
}
