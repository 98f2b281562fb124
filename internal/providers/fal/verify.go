package fal

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"mediagen/internal/domain"
)

const (
	HeaderRequestID = "X-Fal-Webhook-Request-Id"
	HeaderUserID    = "X-Fal-Webhook-User-Id"
	HeaderTimestamp = "X-Fal-Webhook-Timestamp"
	HeaderSignature = "X-Fal-Webhook-Signature"
)

type keySource interface {
	Keys(ctx context.Context) ([]ed25519.PublicKey, error)
	Refresh(ctx context.Context) error
}

// Verifier checks fal webhook signatures.
type Verifier struct {
	keys      keySource
	tolerance time.Duration
	now       func() time.Time
}

func NewVerifier(keys *KeySet, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	return &Verifier{keys: keys, tolerance: tolerance, now: time.Now}
}

// SigningMessage is request id, user id, timestamp and hex sha256(body), newline separated.
func SigningMessage(requestID, userID, timestamp string, body []byte) []byte {
	sum := sha256.Sum256(body)
	return []byte(strings.Join([]string{requestID, userID, timestamp, hex.EncodeToString(sum[:])}, "\n"))
}

// Verify rejects missing headers, stale timestamps and signatures that no
// published key accepts. The key set is refreshed once before giving up,
// subject to the key set's refresh throttle.
func (v *Verifier) Verify(ctx context.Context, h http.Header, body []byte) error {
	requestID := h.Get(HeaderRequestID)
	userID := h.Get(HeaderUserID)
	timestamp := h.Get(HeaderTimestamp)
	signature := h.Get(HeaderSignature)
	if requestID == "" || userID == "" || timestamp == "" || signature == "" {
		return fmt.Errorf("%w: missing signature headers", domain.ErrSignatureInvalid)
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: invalid timestamp", domain.ErrSignatureInvalid)
	}
	skew := v.now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", domain.ErrSignatureInvalid)
	}
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: signature is not hex", domain.ErrSignatureInvalid)
	}
	message := SigningMessage(requestID, userID, timestamp, body)

	keys, err := v.keys.Keys(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSignatureInvalid, err)
	}
	if anyVerifies(keys, message, sig) {
		return nil
	}
	if err := v.keys.Refresh(ctx); err != nil {
		if errors.Is(err, errRefreshThrottled) {
			return fmt.Errorf("%w: no key accepted the signature", domain.ErrSignatureInvalid)
		}
		return fmt.Errorf("%w: %v", domain.ErrSignatureInvalid, err)
	}
	keys, err = v.keys.Keys(ctx)
	if err == nil && anyVerifies(keys, message, sig) {
		return nil
	}
	return fmt.Errorf("%w: no key accepted the signature", domain.ErrSignatureInvalid)
}

func anyVerifies(keys []ed25519.PublicKey, message, sig []byte) bool {
	for _, key := range keys {
		if ed25519.Verify(key, message, sig) {
			return true
		}
	}
	return false
}
