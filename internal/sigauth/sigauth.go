// Package sigauth verifies the signed-request envelope every
// control-plane message from miner to executor carries: a hotkey
// check, a clock-skew window, nonce replay rejection, and an ed25519
// signature over the canonical request body.
package sigauth

import (
	"crypto/ed25519"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/one-covenant/basilica-sub001/internal/cache"
	"github.com/one-covenant/basilica-sub001/internal/domain/apperr"
)

// NonceStore rejects replayed nonces. SetIfAbsent stores key with ttl
// and reports whether it was absent beforehand; a false return means
// the nonce was already seen and the request must be rejected.
// *InMemoryNonceStore and *RedisNonceStore both satisfy this.
type NonceStore interface {
	SetIfAbsent(key string, ttl time.Duration) bool
}

// InMemoryNonceStore is the default NonceStore: a single process's
// mutex-guarded TTL cache. Adequate for a single validator instance;
// RedisNonceStore exists for multi-replica deployments that need a
// replay set shared across processes.
type InMemoryNonceStore struct {
	cache *cache.Cache
}

// NewInMemoryNonceStore builds a store whose entries expire after ttl.
func NewInMemoryNonceStore(ttl time.Duration) *InMemoryNonceStore {
	c := cache.New(cache.Config{DefaultTTL: ttl, CleanupInterval: ttl})
	c.StartJanitor()
	return &InMemoryNonceStore{cache: c}
}

// SetIfAbsent satisfies NonceStore.
func (s *InMemoryNonceStore) SetIfAbsent(key string, ttl time.Duration) bool {
	return s.cache.SetIfAbsent(key, true, ttl)
}

// Close stops the store's background janitor.
func (s *InMemoryNonceStore) Close() { s.cache.Close() }

// Envelope is the authentication header attached to every
// miner-to-executor request.
type Envelope struct {
	MinerHotkey string
	TimestampMS int64
	Nonce       string
	Signature   []byte
	RequestID   string
}

// Verifier checks envelopes against a configured owner hotkey and
// public key, with a bounded nonce replay store.
type Verifier struct {
	ownerHotkey string
	publicKey   ed25519.PublicKey
	clockSkew   time.Duration
	nonceStore  NonceStore
	nonceTTL    time.Duration
	requireSig  bool
	now         func() time.Time
	closeStore  func()
}

// Config configures a Verifier. NonceStore is optional; leaving it nil
// builds an InMemoryNonceStore sized to ClockSkew+NonceCacheMargin, per
// spec: a nonce only needs tracking for as long as a replayed request
// within the skew window could still be accepted. Set it to a
// *RedisNonceStore for a replay set shared across validator replicas.
type Config struct {
	OwnerHotkey      string
	PublicKey        ed25519.PublicKey
	ClockSkew        time.Duration
	NonceCacheMargin time.Duration
	RequireSignature bool
	NonceStore       NonceStore
}

// New builds a Verifier.
func New(cfg Config) *Verifier {
	ttl := cfg.ClockSkew + cfg.NonceCacheMargin
	store := cfg.NonceStore
	closeStore := func() {}
	if store == nil {
		mem := NewInMemoryNonceStore(ttl)
		store = mem
		closeStore = mem.Close
	}
	return &Verifier{
		ownerHotkey: cfg.OwnerHotkey,
		publicKey:   cfg.PublicKey,
		clockSkew:   cfg.ClockSkew,
		nonceStore:  store,
		nonceTTL:    ttl,
		requireSig:  cfg.RequireSignature,
		now:         time.Now,
		closeStore:  closeStore,
	}
}

// Close stops the nonce store's background janitor, if it owns one.
func (v *Verifier) Close() { v.closeStore() }

// Verify checks env against body (the canonical serialization of the
// request, excluding the envelope itself). The hotkey and timestamp
// checks are both computed before either can return, so a wrong-hotkey
// request and a stale request take comparable time.
func (v *Verifier) Verify(env Envelope, body []byte) error {
	hotkeyOK := subtle.ConstantTimeCompare([]byte(env.MinerHotkey), []byte(v.ownerHotkey)) == 1

	nowMS := v.now().UnixMilli()
	delta := nowMS - env.TimestampMS
	skewMS := v.clockSkew.Milliseconds()
	var timestampErr error
	switch {
	case delta > skewMS:
		timestampErr = apperr.New(apperr.KindAuth, "Request too old")
	case -delta > skewMS:
		timestampErr = apperr.New(apperr.KindAuth, "timestamp is in the future")
	}

	if !hotkeyOK {
		return apperr.New(apperr.KindAuth, "Unauthorized miner")
	}
	if timestampErr != nil {
		return timestampErr
	}

	if !v.nonceStore.SetIfAbsent(nonceKey(env.MinerHotkey, env.Nonce), v.nonceTTL) {
		return apperr.New(apperr.KindAuth, "Nonce already used")
	}

	if v.requireSig {
		if len(v.publicKey) != ed25519.PublicKeySize {
			return apperr.New(apperr.KindAuth, "invalid signature")
		}
		if !ed25519.Verify(v.publicKey, body, env.Signature) {
			return apperr.New(apperr.KindAuth, "invalid signature")
		}
	}

	return nil
}

func nonceKey(hotkey, nonce string) string {
	return fmt.Sprintf("%s:%s", hotkey, nonce)
}
