package fal

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// minRefreshInterval spaces out key fetches no matter how many deliveries fail.
const minRefreshInterval = time.Minute

var errRefreshThrottled = errors.New("fal: jwks refreshed recently")

type jwks struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
}

// KeySet caches the ED25519 webhook signing keys published at a JWKS URL.
type KeySet struct {
	url        string
	ttl        time.Duration
	httpClient *http.Client
	now        func() time.Time

	mu      sync.RWMutex
	keys    []ed25519.PublicKey
	fetched time.Time

	// refreshMu serializes fetches; attempted is guarded by it.
	refreshMu  sync.Mutex
	attempted  time.Time
	minRefresh time.Duration
}

func NewKeySet(url string, ttl time.Duration, httpClient *http.Client) *KeySet {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &KeySet{url: url, ttl: ttl, httpClient: httpClient, now: time.Now, minRefresh: minRefreshInterval}
}

// Keys returns cached keys, fetching them when the cache is empty or stale.
// Stale keys are served while a refresh is throttled.
func (k *KeySet) Keys(ctx context.Context) ([]ed25519.PublicKey, error) {
	k.mu.RLock()
	fresh := k.now().Sub(k.fetched) < k.ttl && len(k.keys) > 0
	keys := k.keys
	k.mu.RUnlock()
	if fresh {
		return keys, nil
	}
	if err := k.Refresh(ctx); err != nil {
		if errors.Is(err, errRefreshThrottled) && len(keys) > 0 {
			return keys, nil
		}
		return nil, err
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.keys, nil
}

// Refresh replaces the cache with the current key set. A call within
// minRefresh of the previous attempt returns errRefreshThrottled without
// fetching.
func (k *KeySet) Refresh(ctx context.Context) error {
	k.refreshMu.Lock()
	defer k.refreshMu.Unlock()
	now := k.now()
	if !k.attempted.IsZero() && now.Sub(k.attempted) < k.minRefresh {
		return errRefreshThrottled
	}
	k.attempted = now

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.url, nil)
	if err != nil {
		return err
	}
	resp, err := k.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fal: fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fal: fetch jwks: status %d", resp.StatusCode)
	}
	var set jwks
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("fal: decode jwks: %w", err)
	}
	keys := make([]ed25519.PublicKey, 0, len(set.Keys))
	for _, key := range set.Keys {
		if key.Kty != "OKP" || key.Crv != "Ed25519" {
			continue
		}
		pub, err := ed25519KeyFromJWK(key)
		if err != nil {
			continue
		}
		keys = append(keys, pub)
	}
	if len(keys) == 0 {
		return errors.New("fal: no keys fetched")
	}
	k.mu.Lock()
	k.keys = keys
	k.fetched = k.now()
	k.mu.Unlock()
	return nil
}

func ed25519KeyFromJWK(j jwk) (ed25519.PublicKey, error) {
	raw, err := base64.RawURLEncoding.DecodeString(j.X)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, errors.New("invalid key size")
	}
	return ed25519.PublicKey(raw), nil
}
