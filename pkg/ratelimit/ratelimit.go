// Package ratelimit implements the durable per-requester token bucket
// described in §4.7, adapted from the in-memory golang.org/x/time/rate
// limiter idiom to a bucket that persists its state between processes.
package ratelimit

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/wardengate/controller/pkg/filelock"
)

// Bucket is the durable per-requester state, per §3 RateLimitState.
type Bucket struct {
	Tokens       float64 `json:"tokens"`
	LastRefillAt int64   `json:"lastRefillAt"`
}

type document struct {
	Buckets map[string]Bucket `json:"buckets"`
}

// Limiter enforces a token bucket per requesterId, with capacity and
// refill rate taken from the requester's policy (or a global default).
type Limiter struct {
	path     string
	lockPath string
}

// New returns a Limiter backed by the rate-limit document at path.
func New(path string) *Limiter {
	return &Limiter{path: path, lockPath: path + ".lock"}
}

func (l *Limiter) read() (document, error) {
	raw, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return document{Buckets: map[string]Bucket{}}, nil
	}
	if err != nil {
		return document{}, fmt.Errorf("ratelimit: read %s: %w", l.path, err)
	}
	var doc document
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return document{}, fmt.Errorf("ratelimit: parse %s: %w", l.path, err)
		}
	}
	if doc.Buckets == nil {
		doc.Buckets = map[string]Bucket{}
	}
	return doc, nil
}

func (l *Limiter) write(doc document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("ratelimit: marshal: %w", err)
	}
	return filelock.WriteFileAtomic(l.path, data, 0o600)
}

// Allow refills requesterId's bucket to min(capacity, tokens + elapsed*refillPerSecond),
// then consumes one token if available. It returns false (RATE_LIMIT_EXCEEDED)
// when the bucket holds less than one token; no token is consumed then, but
// the refilled bucket is still written back.
func (l *Limiter) Allow(requesterID string, capacity, refillPerSecond float64, now int64) (bool, error) {
	var allowed bool
	err := filelock.WithLock(l.lockPath, func() error {
		doc, rerr := l.read()
		if rerr != nil {
			return rerr
		}
		b, ok := doc.Buckets[requesterID]
		if !ok {
			b = Bucket{Tokens: capacity, LastRefillAt: now}
		}

		elapsed := float64(now - b.LastRefillAt)
		if elapsed > 0 {
			b.Tokens += elapsed * refillPerSecond
			if b.Tokens > capacity {
				b.Tokens = capacity
			}
			b.LastRefillAt = now
		}

		if b.Tokens >= 1 {
			b.Tokens--
			allowed = true
		} else {
			allowed = false
		}

		doc.Buckets[requesterID] = b
		return l.write(doc)
	})
	return allowed, err
}
