package token

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/oauth2"

	appLog "calnudge/internal/log"
)

// ErrNoToken is returned when no OAuth token has been stored yet, i.e. the
// consent flow was never completed.
var ErrNoToken = errors.New("no oauth token stored; complete the oauth flow first")

// Store persists an oauth2 token as a JSON file on disk.
//
// The file is written atomically (temp file + rename) with 0600 perms so a
// crash mid-write never corrupts a previously valid token.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore creates a Store writing to the given path. The parent directory
// is created on first save if absent.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the stored token. ErrNoToken is returned when the file does
// not exist.
func (s *Store) Load() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoToken
		}
		return nil, err
	}

	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

// Save persists the token, replacing any previous one.
func (s *Store) Save(tok *oauth2.Token) error {
	if tok == nil {
		return errors.New("token is nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".calnudge-token-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, s.path)
}

// TokenSource returns an oauth2.TokenSource backed by the stored token.
// Refreshed tokens are persisted back to disk so the refresh token keeps
// working across restarts. ErrNoToken is returned when no token is stored.
func (s *Store) TokenSource(ctx context.Context, cfg *oauth2.Config) (oauth2.TokenSource, error) {
	tok, err := s.Load()
	if err != nil {
		return nil, err
	}
	return &persistingTokenSource{
		store: s,
		src:   cfg.TokenSource(ctx, tok),
		last:  tok,
	}, nil
}

// persistingTokenSource wraps a refreshing TokenSource and saves the token
// whenever the access token changes.
type persistingTokenSource struct {
	store *Store
	mu    sync.Mutex
	src   oauth2.TokenSource
	last  *oauth2.Token
}

func (p *persistingTokenSource) Token() (*oauth2.Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tok, err := p.src.Token()
	if err != nil {
		return nil, err
	}
	if p.last == nil || tok.AccessToken != p.last.AccessToken {
		appLog.Info("oauth token refreshed; persisting")
		if err := p.store.Save(tok); err != nil {
			// The refreshed token is still valid for this process;
			// losing the persist only costs a re-refresh after restart.
			appLog.Error("failed to persist refreshed oauth token", err)
		}
		p.last = tok
	}
	return tok, nil
}
