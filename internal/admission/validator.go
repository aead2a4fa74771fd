package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mediafetch/fetchq/internal/download"
)

// Config controls the validation pipeline.
type Config struct {
	MinSecretLength   int
	SecretPrefixLen   int
	AttemptLimit      int
	DefaultRateLimit  int
	CacheTTL          time.Duration
	UsageWriteTimeout time.Duration
}

// Decision is the admission outcome returned synchronously to the caller.
// Code is set only when Valid is false. RetryAfter carries the window reset
// hint for time-bounded rejections.
type Decision struct {
	Valid      bool
	Code       download.AdmissionCode
	Credential *download.Credential
	Remaining  int
	RetryAfter time.Duration
}

type cachedCredential struct {
	cred      download.Credential
	expiresAt time.Time
}

// Validator runs the admission pipeline: syntactic check, brute-force guard,
// hash lookup, enabled/expiry checks, per-credential rate limit, and a
// detached usage-stat write. Safe for concurrent use.
type Validator struct {
	store    download.CredentialStore
	hasher   download.Hasher
	attempts download.WindowStore
	rates    download.WindowStore
	clock    download.Clock
	logger   *zap.Logger
	cfg      Config

	cacheMu sync.Mutex
	cache   map[string]cachedCredential

	// detached tracks in-flight usage writes so tests can drain them.
	detached sync.WaitGroup
}

// NewValidator constructs a Validator.
func NewValidator(
	store download.CredentialStore,
	hasher download.Hasher,
	attempts download.WindowStore,
	rates download.WindowStore,
	clock download.Clock,
	cfg Config,
	logger *zap.Logger,
) *Validator {
	if cfg.MinSecretLength <= 0 {
		cfg.MinSecretLength = 24
	}
	if cfg.SecretPrefixLen <= 0 {
		cfg.SecretPrefixLen = 8
	}
	if cfg.AttemptLimit <= 0 {
		cfg.AttemptLimit = 10
	}
	if cfg.DefaultRateLimit <= 0 {
		cfg.DefaultRateLimit = 10
	}
	if cfg.UsageWriteTimeout <= 0 {
		cfg.UsageWriteTimeout = 5 * time.Second
	}
	return &Validator{
		store:    store,
		hasher:   hasher,
		attempts: attempts,
		rates:    rates,
		clock:    clock,
		logger:   logger,
		cfg:      cfg,
		cache:    make(map[string]cachedCredential),
	}
}

// Validate admits or rejects a raw secret. The returned error is reserved
// for infrastructure failures (store unreachable); every expected rejection
// is expressed through Decision.Code.
func (v *Validator) Validate(ctx context.Context, rawSecret string) (Decision, error) {
	if len(rawSecret) < v.cfg.MinSecretLength || !strings.Contains(rawSecret, "_") {
		return Decision{Code: download.AdmissionInvalidFormat}, nil
	}

	// The guard keys on a coarse prefix of the raw, unvalidated secret and
	// runs before any hashing or store access, so guessing is throttled
	// without a per-guess lookup cost.
	prefix := rawSecret[:v.cfg.SecretPrefixLen]
	guard, err := v.attempts.Hit(ctx, prefix, v.cfg.AttemptLimit)
	if err != nil {
		// A broken shared window backend degrades to no guard rather than
		// refusing every caller.
		v.logger.Warn("attempt window unavailable", zap.Error(err))
	} else if !guard.Allowed {
		return Decision{
			Code:       download.AdmissionTooManyAttempts,
			RetryAfter: guard.ResetIn,
		}, nil
	}

	hash, err := v.hasher.Hash([]byte(rawSecret))
	if err != nil {
		return Decision{}, fmt.Errorf("hash secret: %w", err)
	}

	cred, err := v.lookup(ctx, hash)
	if err != nil {
		if errors.Is(err, download.ErrCredentialNotFound) {
			return Decision{Code: download.AdmissionInvalidCredential}, nil
		}
		return Decision{}, fmt.Errorf("credential lookup: %w", err)
	}

	if !cred.Enabled {
		return Decision{Code: download.AdmissionDisabled}, nil
	}
	if cred.Expired(v.clock.Now()) {
		return Decision{Code: download.AdmissionExpired}, nil
	}

	limit := cred.RateLimitPerMinute
	if limit <= 0 {
		limit = v.cfg.DefaultRateLimit
	}
	rate, err := v.rates.Hit(ctx, cred.ID, limit)
	if err != nil {
		v.logger.Warn("rate window unavailable", zap.String("credential_id", cred.ID), zap.Error(err))
		rate = download.WindowDecision{Allowed: true, Remaining: limit - 1}
	}
	if !rate.Allowed {
		return Decision{
			Code:       download.AdmissionRateLimited,
			Remaining:  0,
			RetryAfter: rate.ResetIn,
		}, nil
	}

	v.recordUsageDetached(cred.ID)

	out := cred
	return Decision{
		Valid:      true,
		Credential: &out,
		Remaining:  rate.Remaining,
	}, nil
}

// Invalidate drops the cached entry for a secret hash. Call it after any
// credential write so a revocation takes effect within one request, not one
// cache TTL.
func (v *Validator) Invalidate(hash string) {
	v.cacheMu.Lock()
	delete(v.cache, hash)
	v.cacheMu.Unlock()
}

// Flush empties the credential cache.
func (v *Validator) Flush() {
	v.cacheMu.Lock()
	v.cache = make(map[string]cachedCredential)
	v.cacheMu.Unlock()
}

// Wait blocks until all detached usage writes have finished. Test hook.
func (v *Validator) Wait() {
	v.detached.Wait()
}

func (v *Validator) lookup(ctx context.Context, hash string) (download.Credential, error) {
	if v.cfg.CacheTTL > 0 {
		now := v.clock.Now()
		v.cacheMu.Lock()
		if entry, ok := v.cache[hash]; ok && now.Before(entry.expiresAt) {
			v.cacheMu.Unlock()
			return entry.cred, nil
		}
		v.cacheMu.Unlock()
	}

	cred, err := v.store.FindByHash(ctx, hash)
	if err != nil {
		return download.Credential{}, err
	}

	if v.cfg.CacheTTL > 0 {
		v.cacheMu.Lock()
		v.cache[hash] = cachedCredential{cred: cred, expiresAt: v.clock.Now().Add(v.cfg.CacheTTL)}
		v.cacheMu.Unlock()
	}
	return cred, nil
}

// recordUsageDetached updates lastUsedAt/totalRequests off the critical
// path. The validation return never waits on this write; its failure is
// only logged.
func (v *Validator) recordUsageDetached(id string) {
	v.detached.Add(1)
	go func() {
		defer v.detached.Done()
		ctx, cancel := context.WithTimeout(context.Background(), v.cfg.UsageWriteTimeout)
		defer cancel()
		if err := v.store.RecordUsage(ctx, id, download.UsageRequest); err != nil {
			v.logger.Warn("usage write failed", zap.String("credential_id", id), zap.Error(err))
		}
	}()
}
