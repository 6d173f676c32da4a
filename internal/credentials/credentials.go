// Package credentials resolves a tenant's marketplace API token (§4.8):
// not-configured, configured-but-disabled, and resolved are distinct
// outcomes, and a resolved token is never logged.
//
// Encryption at rest is symmetric (AES-GCM) rather than reaching for a KMS
// client, since no KMS SDK appears anywhere in the retrieved pack; the key
// comes from configuration (an env var backed ultimately by a real secret
// manager in production, out of scope here). Grounded on
// internal/coarselock's go-redis/v8 usage for the short-TTL resolved-token
// cache.
package credentials

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/psdigitalweb/wb-automation-sub000/internal/model"
	"github.com/psdigitalweb/wb-automation-sub000/internal/store"
)

// ErrNotConfigured means the project has never set up this marketplace.
var ErrNotConfigured = errors.New("credentials: not configured")

// ErrDisabled means a connection row exists but is_enabled = false.
var ErrDisabled = errors.New("credentials: connection disabled")

type Resolver struct {
	store     *store.Store
	redis     *redis.Client
	cacheTTL  time.Duration
	aead      cipher.AEAD
	envToken  string // fallback token, permitted only when no row exists at all (§4.8)
}

// New builds a resolver. encryptionKey must be 16, 24, or 32 bytes
// (AES-128/192/256); envFallbackToken may be empty.
func New(st *store.Store, redisClient *redis.Client, encryptionKey []byte, envFallbackToken string, cacheTTL time.Duration) (*Resolver, error) {
	block, err := aes.NewCipher(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("credentials: building AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("credentials: building GCM: %w", err)
	}
	return &Resolver{store: st, redis: redisClient, cacheTTL: cacheTTL, aead: aead, envToken: envFallbackToken}, nil
}

// Encrypt is used by the admin API when a tenant sets or rotates a token.
func (r *Resolver) Encrypt(plaintext string) ([]byte, error) {
	nonce := make([]byte, r.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("credentials: generating nonce: %w", err)
	}
	return r.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

func (r *Resolver) decrypt(ciphertext []byte) (string, error) {
	nonceSize := r.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", errors.New("credentials: ciphertext too short")
	}
	nonce, rest := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := r.aead.Open(nil, nonce, rest, nil)
	if err != nil {
		return "", fmt.Errorf("credentials: decrypting token: %w", err)
	}
	return string(plaintext), nil
}

// Resolve returns the bearer token for (project, marketplace). Errors are
// ErrNotConfigured / ErrDisabled; any other error is a DB/crypto failure.
// The returned token must never be logged or placed in stats/meta/error
// fields (§4.8) — callers should treat it exactly like wbclient.Client's
// internal token field.
func (r *Resolver) Resolve(ctx context.Context, projectID int64, marketplaceCode string) (string, error) {
	if token, ok := r.getCached(ctx, projectID, marketplaceCode); ok {
		return token, nil
	}

	conn, err := r.store.GetMarketplaceConnection(ctx, projectID, marketplaceCode)
	if err != nil {
		return "", err
	}

	if conn == nil {
		if r.envToken != "" {
			return r.envToken, nil
		}
		return "", ErrNotConfigured
	}
	if !conn.IsEnabled {
		return "", ErrDisabled
	}
	if len(conn.APITokenEnc) == 0 {
		return "", ErrNotConfigured
	}

	token, err := r.decrypt(conn.APITokenEnc)
	if err != nil {
		return "", err
	}

	r.setCached(ctx, projectID, marketplaceCode, token)
	return token, nil
}

func cacheKey(projectID int64, marketplaceCode string) string {
	return fmt.Sprintf("ingest:cred:%d:%s", projectID, marketplaceCode)
}

func (r *Resolver) getCached(ctx context.Context, projectID int64, marketplaceCode string) (string, bool) {
	if r.redis == nil {
		return "", false
	}
	val, err := r.redis.Get(ctx, cacheKey(projectID, marketplaceCode)).Result()
	if err != nil {
		return "", false
	}
	return val, true
}

func (r *Resolver) setCached(ctx context.Context, projectID int64, marketplaceCode, token string) {
	if r.redis == nil {
		return
	}
	// Best-effort: a cache write failure just means the next Resolve call
	// falls through to the DB again.
	_ = r.redis.Set(ctx, cacheKey(projectID, marketplaceCode), token, r.cacheTTL).Err()
}

// MaskToken returns a display-safe form of a token, used by the admin API
// when listing connections (§3: "secrets MUST be masked on read").
func MaskToken(encrypted []byte) string {
	if len(encrypted) == 0 {
		return ""
	}
	sum := hex.EncodeToString(encrypted)
	if len(sum) <= 8 {
		return "****"
	}
	return "****" + sum[len(sum)-8:]
}

// Settings extracts brand-related settings from a MarketplaceConnection's
// free-form JSON (brand_id, frontend_prices brand list) for runners.
func Settings(conn *model.MarketplaceConnection) map[string]interface{} {
	if conn == nil || len(conn.SettingsJSON) == 0 {
		return map[string]interface{}{}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(conn.SettingsJSON, &out); err != nil {
		return map[string]interface{}{}
	}
	return out
}
