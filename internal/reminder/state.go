package reminder

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"
)

// record tracks what has been sent for a single event under a specific
// content version.
type record struct {
	// Sent is the sorted list of reminder kinds already delivered.
	Sent []string `json:"sent"`
	// LastUpdated is the opaque version token the kinds were sent under.
	LastUpdated string `json:"last_updated"`
}

// Store is the durable dedup state: event id → record.
//
// Every mutation rewrites the whole snapshot atomically (temp file +
// rename), so a crash mid-write never corrupts the previous valid file.
// A mutation only counts once the snapshot hit disk; on persist failure
// the in-memory view is rolled back so reads keep reflecting the last
// successful persist.
type Store struct {
	mu    sync.Mutex
	path  string
	state map[string]*record
}

// NewStore loads the snapshot at path, or starts empty when the file does
// not exist yet. A present-but-unreadable snapshot is an error: silently
// starting empty would resend every reminder.
func NewStore(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("state path is empty")
	}
	s := &Store{
		path:  path,
		state: make(map[string]*record),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}

	// Strict decode: unknown fields in a record mean the file was written
	// by something else (or corrupted) and must not be trusted.
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	state := make(map[string]*record)
	if err := dec.Decode(&state); err != nil {
		return fmt.Errorf("state file %s is malformed: %w", s.path, err)
	}

	for id, rec := range state {
		if id == "" || rec == nil {
			return fmt.Errorf("state file %s is malformed: empty event entry", s.path)
		}
		if rec.Sent == nil {
			rec.Sent = []string{}
		}
	}
	s.state = state
	return nil
}

// HasSent reports whether kind was already delivered for eventID under the
// given version. A version mismatch means "not sent under this version".
func (s *Store) HasSent(eventID, kind, version string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.state[eventID]
	if !ok {
		return false
	}
	if rec.LastUpdated != version {
		return false
	}
	return slices.Contains(rec.Sent, kind)
}

// MarkSent records that kind was delivered for eventID under version and
// persists synchronously. When the stored version differs, the sent set is
// reset and re-keyed to the new version before kind is added, so persisted
// state never mixes kinds from different versions.
func (s *Store) MarkSent(eventID, kind, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.state[eventID]

	rec := &record{Sent: []string{}, LastUpdated: version}
	if existed && prev.LastUpdated == version {
		rec.Sent = slices.Clone(prev.Sent)
	}
	if !slices.Contains(rec.Sent, kind) {
		rec.Sent = append(rec.Sent, kind)
		slices.Sort(rec.Sent)
	}

	s.state[eventID] = rec
	if err := s.persistLocked(); err != nil {
		// Roll back so reads keep matching the on-disk snapshot.
		if existed {
			s.state[eventID] = prev
		} else {
			delete(s.state, eventID)
		}
		return fmt.Errorf("persist reminder state: %w", err)
	}
	return nil
}

// ClearEvent removes the record for eventID if present. Clearing an
// unknown id is a no-op, not an error.
func (s *Store) ClearEvent(eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.state[eventID]
	if !ok {
		return nil
	}
	delete(s.state, eventID)
	if err := s.persistLocked(); err != nil {
		s.state[eventID] = prev
		return fmt.Errorf("persist reminder state: %w", err)
	}
	return nil
}

// Size returns the number of tracked events.
func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state)
}

// persistLocked writes the whole snapshot atomically. Caller holds s.mu.
func (s *Store) persistLocked() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".calnudge-state-*.tmp")
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
