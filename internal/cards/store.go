// Package cards persists tokenised card references so a shopper can pay again without
// re-entering card details.
//
// The list lives as one JSON array under a fixed key in a key-value backend. Every operation
// degrades to an empty result or a no-op when the backend is missing, failing or holds
// malformed content; a saved-card list is a convenience and must never block a checkout.
package cards

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/checkout-relay/internal/obs"
)

// DefaultKey is the storage key of the saved-card list.
const DefaultKey = "fatzebra_saved_cards"

// ErrNotFound is returned by backends when the key holds no value.
var ErrNotFound = errors.New("cards: key not found")

// Record is a tokenised card reference. Only the token is secret-bearing; CardNumber is masked.
type Record struct {
	Token           string     `json:"token"`
	Bin             string     `json:"bin,omitempty"`
	CardCategory    string     `json:"card_category,omitempty"`
	CardCountry     string     `json:"card_country,omitempty"`
	CardExpiry      string     `json:"card_expiry,omitempty"`
	CardHolder      string     `json:"card_holder,omitempty"`
	CardIssuer      string     `json:"card_issuer,omitempty"`
	CardNumber      string     `json:"card_number,omitempty"`
	CardSubcategory string     `json:"card_subcategory,omitempty"`
	CardType        string     `json:"card_type,omitempty"`
	Successful      bool       `json:"successful"`
	LastUsed        *time.Time `json:"lastUsed,omitempty"`
}

// Backend is the durable key-value medium holding the encoded list.
type Backend interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Locker serialises read-modify-write cycles across processes sharing a backend.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// Store implements the saved-card operations over a Backend.
type Store struct {
	Backend Backend
	Key     string
	// Locker is optional; without it concurrent writers resolve as last-writer-wins.
	Locker Locker
	Logger zerolog.Logger
	Now    func() time.Time
}

// NewStore returns a store for key (DefaultKey when empty) on backend.
func NewStore(backend Backend, key string, logger zerolog.Logger) *Store {
	return &Store{Backend: backend, Key: key, Logger: logger}
}

// Namespace returns a store sharing the backend whose list is kept under a key derived from id.
func (s *Store) Namespace(id string) *Store {
	if s == nil {
		return nil
	}
	clone := *s
	id = strings.TrimSpace(id)
	if id != "" {
		clone.Key = s.key() + ":" + id
	}
	return &clone
}

// List returns the saved cards in insertion order.
func (s *Store) List(ctx context.Context) []Record {
	if s == nil || s.Backend == nil {
		return []Record{}
	}
	return s.read(ctx)
}

// Get returns the record for token.
func (s *Store) Get(ctx context.Context, token string) (Record, bool) {
	for _, rec := range s.List(ctx) {
		if rec.Token == token {
			return rec, true
		}
	}
	return Record{}, false
}

// Add inserts rec unless a record with the same token exists. LastUsed is stamped only on
// insertion.
func (s *Store) Add(ctx context.Context, rec Record) {
	if strings.TrimSpace(rec.Token) == "" {
		s.warn(errors.New("empty token"), "skip card without token")
		return
	}
	s.mutate(ctx, "add card", func(list []Record) ([]Record, bool) {
		for _, existing := range list {
			if existing.Token == rec.Token {
				return list, false
			}
		}
		now := s.now()
		rec.LastUsed = &now
		return append(list, rec), true
	})
}

// Remove deletes the record for token if present.
func (s *Store) Remove(ctx context.Context, token string) {
	s.mutate(ctx, "remove card", func(list []Record) ([]Record, bool) {
		out := make([]Record, 0, len(list))
		for _, rec := range list {
			if rec.Token != token {
				out = append(out, rec)
			}
		}
		return out, len(out) != len(list)
	})
}

// TouchLastUsed stamps the record for token with the current time if present.
func (s *Store) TouchLastUsed(ctx context.Context, token string) {
	s.mutate(ctx, "touch card", func(list []Record) ([]Record, bool) {
		changed := false
		for i := range list {
			if list[i].Token == token {
				now := s.now()
				list[i].LastUsed = &now
				changed = true
			}
		}
		return list, changed
	})
}

// Clear drops the whole list.
func (s *Store) Clear(ctx context.Context) {
	if s == nil || s.Backend == nil {
		return
	}
	err := s.withLock(ctx, func(ctx context.Context) error {
		if err := s.Backend.Delete(ctx, s.key()); err != nil {
			return err
		}
		obs.ObserveSavedCard("clear")
		return nil
	})
	if err != nil {
		s.warn(err, "clear cards")
	}
}

func (s *Store) mutate(ctx context.Context, op string, fn func([]Record) ([]Record, bool)) {
	if s == nil || s.Backend == nil {
		return
	}
	err := s.withLock(ctx, func(ctx context.Context) error {
		next, changed := fn(s.read(ctx))
		if !changed {
			return nil
		}
		data, err := json.Marshal(next)
		if err != nil {
			return err
		}
		if err := s.Backend.Save(ctx, s.key(), data); err != nil {
			return err
		}
		obs.ObserveSavedCard(strings.TrimSuffix(op, " card"))
		return nil
	})
	if err != nil {
		s.warn(err, op)
	}
}

func (s *Store) read(ctx context.Context) []Record {
	data, err := s.Backend.Load(ctx, s.key())
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.warn(err, "read cards")
		}
		return []Record{}
	}
	var list []Record
	if err := json.Unmarshal(data, &list); err != nil {
		s.warn(err, "decode cards")
		return []Record{}
	}
	if list == nil {
		return []Record{}
	}
	return list
}

func (s *Store) withLock(ctx context.Context, fn func(context.Context) error) error {
	if s.Locker == nil {
		return fn(ctx)
	}
	return s.Locker.WithLock(ctx, s.key(), 5*time.Second, fn)
}

func (s *Store) key() string {
	if strings.TrimSpace(s.Key) == "" {
		return DefaultKey
	}
	return s.Key
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Store) warn(err error, msg string) {
	if s == nil {
		return
	}
	s.Logger.Warn().Err(err).Str("key", s.key()).Msg(msg)
}
