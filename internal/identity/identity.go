// Package identity persists a stable anonymous user ID across runs.
//
// The ID is attached to every session so the agent platform can correlate
// conversations from the same install without any account system. It is
// minted once, written to a small file, and read back on every subsequent
// start.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultFileName is the file the ID is stored in, relative to the state
// directory.
const DefaultFileName = "user_id"

// Load returns the persisted user ID from dir, minting and persisting a new
// one on first use. Concurrent first-time callers converge on a single ID.
func Load(dir string) (string, error) {
	path := filepath.Join(dir, DefaultFileName)

	if id, err := read(path); err == nil {
		return id, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("identity: creating state dir: %w", err)
	}

	id := mint()
	// O_EXCL makes the first writer win; a loser reads the winner's ID.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			if id, rerr := read(path); rerr == nil {
				return id, nil
			}
			// The existing file is blank; claim it.
			if werr := os.WriteFile(path, []byte(id+"\n"), 0o600); werr != nil {
				return "", fmt.Errorf("identity: persisting user id: %w", werr)
			}
			return id, nil
		}
		return "", fmt.Errorf("identity: persisting user id: %w", err)
	}
	_, werr := f.WriteString(id + "\n")
	cerr := f.Close()
	if werr != nil {
		return "", fmt.Errorf("identity: writing user id: %w", werr)
	}
	if cerr != nil {
		return "", fmt.Errorf("identity: writing user id: %w", cerr)
	}
	return id, nil
}

// read loads and validates a persisted ID.
func read(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		return "", fmt.Errorf("identity: reading user id: %w", err)
	}
	id := strings.TrimSpace(string(raw))
	if id == "" {
		return "", fs.ErrNotExist
	}
	return id, nil
}

// mint produces a new user ID. UUIDs are preferred; when the entropy source
// is unusable the ID degrades to a timestamp plus a weaker random suffix,
// which is still unique enough for correlation purposes.
func mint() string {
	if id, err := uuid.NewRandom(); err == nil {
		return "user_" + id.String()
	}
	var b [6]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("user_%d_%s", time.Now().UnixMilli(), hex.EncodeToString(b[:]))
}
