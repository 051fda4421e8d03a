package postgres

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rendiffdev/ffmpeg-api-sub000/internal/domain"
)

// KeyRepo resolves API key material against stored digests. Only the
// SHA-256 digest of the key material is persisted; the lookup is by
// exact digest and the final comparison is constant-time, so response
// timing reveals nothing about stored keys.
type KeyRepo struct{ Pool *pgxpool.Pool }

// NewKeyRepo constructs a KeyRepo with the given pool.
func NewKeyRepo(p *pgxpool.Pool) *KeyRepo { return &KeyRepo{Pool: p} }

// HashKey returns the hex SHA-256 digest used as the stored lookup key.
func HashKey(material string) string {
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])
}

// Resolve maps presented key material to its key record.
func (r *KeyRepo) Resolve(ctx context.Context, material string) (domain.APIKey, error) {
	digest := HashKey(material)
	var (
		k      domain.APIKey
		stored string
	)
	err := r.Pool.QueryRow(ctx, `
		SELECT id, key_hash, owner, quota, secret FROM api_keys WHERE key_hash=$1`,
		digest).Scan(&k.ID, &stored, &k.Owner, &k.Quota, &k.Secret)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.APIKey{}, fmt.Errorf("op=keys.resolve: %w", domain.ErrUnauthorized)
	}
	if err != nil {
		return domain.APIKey{}, fmt.Errorf("op=keys.resolve: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(digest)) != 1 {
		return domain.APIKey{}, fmt.Errorf("op=keys.resolve: %w", domain.ErrUnauthorized)
	}
	return k, nil
}

// SecretForOwner returns the signing secret of the key id recorded as a
// job's owner. Used by the webhook dispatcher to sign payloads.
func (r *KeyRepo) SecretForOwner(ctx context.Context, keyID string) (string, error) {
	var secret string
	err := r.Pool.QueryRow(ctx, `SELECT secret FROM api_keys WHERE id=$1`, keyID).Scan(&secret)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("op=keys.secret: %w", domain.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("op=keys.secret: %w", err)
	}
	return secret, nil
}

// Create registers a key. Used by provisioning tooling and tests.
func (r *KeyRepo) Create(ctx context.Context, id, material, owner string, quota int, secret string) error {
	_, err := r.Pool.Exec(ctx, `
		INSERT INTO api_keys (id, key_hash, owner, quota, secret)
		VALUES ($1,$2,$3,$4,$5)`, id, HashKey(material), owner, quota, secret)
	if err != nil {
		return fmt.Errorf("op=keys.create: %w", err)
	}
	return nil
}

var _ domain.KeyStore = (*KeyRepo)(nil)
