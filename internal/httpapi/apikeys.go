package httpapi

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/one-covenant/basilica-sub001/internal/domain/apperr"
)

// keyPrefixLen mirrors the teacher gateway's convention: enough of the
// raw key is kept on the record to let a user recognize it in a list
// without the hash revealing anything about the secret.
const keyPrefixLen = 17

// APIKey is the persisted, user-visible record; KeyHash is never
// returned from any handler.
type APIKey struct {
	ID        string    `json:"id"`
	UserID    string    `json:"-"`
	Name      string    `json:"name"`
	Prefix    string    `json:"prefix"`
	KeyHash   string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// APIKeyStore is an in-memory, mutex-guarded key registry scoped to the
// caller's JWT subject. Section 6 names the /api-keys route but not a
// persistence requirement for it, so it is kept alongside the audit
// log rather than given a migrated table.
type APIKeyStore struct {
	mu   sync.Mutex
	keys map[string]APIKey // id -> key
}

// NewAPIKeyStore builds an empty store.
func NewAPIKeyStore() *APIKeyStore {
	return &APIKeyStore{keys: make(map[string]APIKey)}
}

// List returns the caller's keys in no particular order.
func (s *APIKeyStore) List(userID string) []APIKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]APIKey, 0, len(s.keys))
	for _, k := range s.keys {
		if k.UserID == userID {
			out = append(out, k)
		}
	}
	return out
}

// Create mints a new key for userID, returning the stored record and
// the raw secret. The raw secret is never retrievable again.
func (s *APIKeyStore) Create(userID, name string, now time.Time) (APIKey, string, error) {
	raw, err := generateRawKey()
	if err != nil {
		return APIKey{}, "", apperr.Wrap(apperr.KindBackend, "generate api key", err)
	}
	key := APIKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      name,
		Prefix:    raw[:keyPrefixLen],
		KeyHash:   hashKey(raw),
		CreatedAt: now,
	}

	s.mu.Lock()
	s.keys[key.ID] = key
	s.mu.Unlock()

	return key, raw, nil
}

// Delete revokes a key, refusing to touch a key owned by someone else
// the same way rentalmgr hides cross-user ownership: a not-found error
// either way.
func (s *APIKeyStore) Delete(userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[id]
	if !ok || key.UserID != userID {
		return apperr.NotFound("api_key", id)
	}
	delete(s.keys, id)
	return nil
}

func generateRawKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "basilica_" + hex.EncodeToString(buf), nil
}

func hashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
