// Package session implements the session lifecycle: the redis-backed
// session store, principal snapshots, the manager state machine with its
// idle timeout, and the lifecycle event stream.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/gatehouse-hq/gatehouse/internal/rbac"
)

// ErrNoSession indicates the token does not map to a live session.
var ErrNoSession = errors.New("session: no session")

const (
	sessionKeyPrefix  = "session:"
	snapshotKeyPrefix = "principal:"
)

// Record is the persisted per-session state. The token doubles as the
// bearer credential, so it never appears in the stored payload.
type Record struct {
	Token       string    `json:"-"`
	PrincipalID int64     `json:"principal_id"`
	CreatedAt   time.Time `json:"created_at"`
	LastSeen    time.Time `json:"last_seen"`
}

// Store persists sessions and principal snapshots in Redis. Sessions
// expire at the store TTL regardless of activity; the idle timeout is
// enforced by the Manager on top of LastSeen.
type Store struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewStore constructs a Store with the given absolute session lifetime.
func NewStore(client *redis.Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl, now: time.Now}
}

// Create persists a fresh session for the principal and returns it.
func (s *Store) Create(ctx context.Context, principalID int64) (*Record, error) {
	now := s.now().UTC()
	rec := &Record{
		Token:       uuid.NewString(),
		PrincipalID: principalID,
		CreatedAt:   now,
		LastSeen:    now,
	}
	if err := s.write(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Get loads the session for the token.
func (s *Store) Get(ctx context.Context, token string) (*Record, error) {
	payload, err := s.client.Get(ctx, sessionKeyPrefix+token).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("session: get: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("session: decode: %w", err)
	}
	rec.Token = token
	return &rec, nil
}

// Touch records an activity event on the session, resetting the idle
// clock.
func (s *Store) Touch(ctx context.Context, token string) error {
	rec, err := s.Get(ctx, token)
	if err != nil {
		return err
	}
	rec.LastSeen = s.now().UTC()
	return s.write(ctx, rec)
}

// Delete removes the session. Deleting an absent session is not an
// error.
func (s *Store) Delete(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, sessionKeyPrefix+token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("session: delete: %w", err)
	}
	return nil
}

// IdleTokens scans for sessions whose last activity is at or before the
// cutoff. Used by the idle sweep.
func (s *Store) IdleTokens(ctx context.Context, cutoff time.Time) ([]string, error) {
	var (
		idle   []string
		cursor uint64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, sessionKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("session: scan: %w", err)
		}
		for _, key := range keys {
			token := key[len(sessionKeyPrefix):]
			rec, err := s.Get(ctx, token)
			if err != nil {
				if errors.Is(err, ErrNoSession) {
					continue
				}
				return nil, err
			}
			if !rec.LastSeen.After(cutoff) {
				idle = append(idle, token)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return idle, nil
}

// Count reports the number of live sessions.
func (s *Store) Count(ctx context.Context) (int, error) {
	var (
		total  int
		cursor uint64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, sessionKeyPrefix+"*", 100).Result()
		if err != nil {
			return 0, fmt.Errorf("session: scan: %w", err)
		}
		total += len(keys)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return total, nil
}

// SaveSnapshot caches the last-known principal record. Snapshots let a
// session keep rendering while a profile refresh runs in the background;
// they are never treated as authoritative without a follow-up refresh.
func (s *Store) SaveSnapshot(ctx context.Context, p *rbac.Principal) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("session: encode snapshot: %w", err)
	}
	key := fmt.Sprintf("%s%d", snapshotKeyPrefix, p.ID)
	if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("session: save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the cached principal record, or ErrNoSession when
// none exists.
func (s *Store) LoadSnapshot(ctx context.Context, principalID int64) (*rbac.Principal, error) {
	key := fmt.Sprintf("%s%d", snapshotKeyPrefix, principalID)
	payload, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("session: load snapshot: %w", err)
	}
	var p rbac.Principal
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("session: decode snapshot: %w", err)
	}
	return &p, nil
}

// DeleteSnapshot drops the cached principal record.
func (s *Store) DeleteSnapshot(ctx context.Context, principalID int64) error {
	key := fmt.Sprintf("%s%d", snapshotKeyPrefix, principalID)
	if err := s.client.Del(ctx, key).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("session: delete snapshot: %w", err)
	}
	return nil
}

func (s *Store) write(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("session: encode: %w", err)
	}
	if err := s.client.Set(ctx, sessionKeyPrefix+rec.Token, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("session: set: %w", err)
	}
	return nil
}
