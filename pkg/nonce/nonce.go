// Package nonce implements the durable, atomic (sessionId, nonce)
// replay-prevention set described in §4.6.
package nonce

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/wardengate/controller/pkg/filelock"
)

// Entry is one durable nonce record, per §3 NonceEntry.
type Entry struct {
	SessionID  string `json:"sessionId"`
	Nonce      string `json:"nonce"`
	FirstSeenAt int64 `json:"firstSeenAt"`
}

type document struct {
	Entries []Entry `json:"entries"`
}

// Store is the durable set of consumed (sessionId, nonce) pairs.
//
// Concurrency: every Consume/Seen call takes the exclusive file lock
// covering the whole read-modify-write sequence, so two concurrent
// Consume calls for the same pair can never both observe Ok (§4.6, §5).
type Store struct {
	path     string
	lockPath string
}

// New returns a Store backed by the nonce document at path.
func New(path string) *Store {
	return &Store{path: path, lockPath: path + ".lock"}
}

func (s *Store) read() (document, error) {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return document{}, nil
	}
	if err != nil {
		return document{}, fmt.Errorf("nonce: read %s: %w", s.path, err)
	}
	if len(raw) == 0 {
		return document{}, nil
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return document{}, fmt.Errorf("nonce: parse %s: %w", s.path, err)
	}
	return doc, nil
}

func (s *Store) write(doc document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("nonce: marshal: %w", err)
	}
	return filelock.WriteFileAtomic(s.path, data, 0o600)
}

// Seen reports whether (sessionID, nonceHex) has already been recorded,
// without recording it. Used by the verify/dryrun paths, which must not
// mutate durable state.
func (s *Store) Seen(sessionID, nonceHex string) (bool, error) {
	var found bool
	err := filelock.WithLock(s.lockPath, func() error {
		doc, err := s.read()
		if err != nil {
			return err
		}
		for _, e := range doc.Entries {
			if e.SessionID == sessionID && e.Nonce == nonceHex {
				found = true
				return nil
			}
		}
		return nil
	})
	return found, err
}

// Consume atomically records (sessionID, nonceHex) if absent, returning
// true for Ok and false for ReplayDetected. On ReplayDetected no state
// change occurs.
func (s *Store) Consume(sessionID, nonceHex string, now int64) (ok bool, err error) {
	err = filelock.WithLock(s.lockPath, func() error {
		doc, rerr := s.read()
		if rerr != nil {
			return rerr
		}
		for _, e := range doc.Entries {
			if e.SessionID == sessionID && e.Nonce == nonceHex {
				ok = false
				return nil
			}
		}
		doc.Entries = append(doc.Entries, Entry{
			SessionID:   sessionID,
			Nonce:       nonceHex,
			FirstSeenAt: now,
		})
		if werr := s.write(doc); werr != nil {
			return werr
		}
		ok = true
		return nil
	})
	return ok, err
}
