package admission

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mediafetch/fetchq/internal/download"
)

// CredentialWriter is the write side of a credential backend. The read side
// stays behind download.CredentialStore so admission cannot accidentally
// bypass the cache.
type CredentialWriter interface {
	Create(ctx context.Context, cred download.Credential) error
	SetEnabled(ctx context.Context, id string, enabled bool) error
	List(ctx context.Context) ([]download.Credential, error)
}

// IssuedCredential pairs a freshly created credential with its raw secret.
// The secret is returned exactly once; only the hash and preview persist.
type IssuedCredential struct {
	Credential download.Credential `json:"credential"`
	Secret     string              `json:"secret"`
}

// Directory routes credential writes through the validator's cache so a
// revocation takes effect on the next admission, not after the cache TTL.
type Directory struct {
	store     CredentialWriter
	validator *Validator
	hasher    download.Hasher
	idGen     download.IDGenerator
	clock     download.Clock
}

// NewDirectory constructs a Directory over a writable credential backend.
func NewDirectory(
	store CredentialWriter,
	validator *Validator,
	hasher download.Hasher,
	idGen download.IDGenerator,
	clock download.Clock,
) *Directory {
	return &Directory{
		store:     store,
		validator: validator,
		hasher:    hasher,
		idGen:     idGen,
		clock:     clock,
	}
}

const secretPrefix = "fq_"

// Create mints a secret, persists the credential, and drops any stale cache
// entry for its hash.
func (d *Directory) Create(ctx context.Context, typ download.CredentialType, rateLimit int, expiresAt *time.Time) (IssuedCredential, error) {
	if typ != download.CredentialFree && typ != download.CredentialPremium {
		return IssuedCredential{}, fmt.Errorf("unknown credential type %q", typ)
	}

	id, err := d.idGen.NewID()
	if err != nil {
		return IssuedCredential{}, fmt.Errorf("generate credential id: %w", err)
	}
	secret, err := d.mintSecret()
	if err != nil {
		return IssuedCredential{}, err
	}
	hash, err := d.hasher.Hash([]byte(secret))
	if err != nil {
		return IssuedCredential{}, fmt.Errorf("hash secret: %w", err)
	}

	cred := download.Credential{
		ID:                 id,
		HashedSecret:       hash,
		Preview:            preview(secret),
		Type:               typ,
		Enabled:            true,
		RateLimitPerMinute: rateLimit,
		CreatedAt:          d.clock.Now(),
		ExpiresAt:          expiresAt,
	}
	if err := d.store.Create(ctx, cred); err != nil {
		return IssuedCredential{}, err
	}
	d.validator.Invalidate(hash)
	return IssuedCredential{Credential: cred, Secret: secret}, nil
}

// SetEnabled flips a credential's enabled flag. The id does not identify a
// cached hash, so the whole cache is dropped.
func (d *Directory) SetEnabled(ctx context.Context, id string, enabled bool) error {
	if err := d.store.SetEnabled(ctx, id, enabled); err != nil {
		return err
	}
	d.validator.Flush()
	return nil
}

// List returns every credential in the backend.
func (d *Directory) List(ctx context.Context) ([]download.Credential, error) {
	return d.store.List(ctx)
}

// mintSecret builds a fq_-prefixed secret from two generated IDs with the
// separators stripped, well past the minimum admitted length.
func (d *Directory) mintSecret() (string, error) {
	first, err := d.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	second, err := d.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	raw := strings.ReplaceAll(first+second, "-", "")
	return secretPrefix + raw, nil
}

func preview(secret string) string {
	if len(secret) < 11 {
		return secret
	}
	return secret[:7] + "..." + secret[len(secret)-4:]
}
