// Package client implements a room participant: a persistent identity, a
// mirror of the room state fed by server broadcasts, the websocket session,
// and the HTTP calls of the auxiliary surface.
package client

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	identityDirMode  = 0o700
	identityFileMode = 0o600
)

// LoadIdentity returns the identifier stored at path, creating and storing a
// new one on first use.
func LoadIdentity(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errors.New("client: identity path required")
	}

	contents, err := os.ReadFile(path)
	switch {
	case err == nil:
		if identity := strings.TrimSpace(string(contents)); identity != "" {
			return identity, nil
		}
	case !errors.Is(err, fs.ErrNotExist):
		return "", fmt.Errorf("client: read identity: %w", err)
	}

	identity := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), identityDirMode); err != nil {
		return "", fmt.Errorf("client: create identity directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(identity+"\n"), identityFileMode); err != nil {
		return "", fmt.Errorf("client: write identity: %w", err)
	}
	return identity, nil
}
