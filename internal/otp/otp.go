// Package otp issues and verifies six-digit one-time codes.
//
// One pending code exists per email at a time. Issuing a new code replaces
// the previous one, and a code is consumed by its first successful
// verification. Expiry is checked lazily at verification time; Sweep only
// reclaims space.
package otp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"hash/fnv"
	"math/big"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/pliu/relaychat/internal/models"
	"github.com/pliu/relaychat/internal/store"
)

const (
	// DefaultTTL is how long an issued code stays valid.
	DefaultTTL = 5 * time.Minute

	codeMin   = 100000
	codeRange = 900000

	lockStripes = 64
)

var (
	ErrInvalidCode = errors.New("invalid code")
	ErrExpired     = errors.New("code expired")
)

// Config holds Store settings. A zero value is valid.
type Config struct {
	// TTL is the validity window of a code. Defaults to DefaultTTL.
	TTL time.Duration

	// HashCost is the bcrypt cost used for stored codes.
	// Defaults to bcrypt.DefaultCost.
	HashCost int

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

type Store struct {
	repo store.Store
	cfg  Config

	// Issue and Verify for one email never interleave.
	locks [lockStripes]sync.Mutex
}

func New(repo store.Store, cfg Config) *Store {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.HashCost == 0 {
		cfg.HashCost = bcrypt.DefaultCost
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{repo: repo, cfg: cfg}
}

// TTL returns the validity window of issued codes.
func (s *Store) TTL() time.Duration {
	return s.cfg.TTL
}

func (s *Store) lock(email string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(email))
	return &s.locks[h.Sum32()%lockStripes]
}

// Issue generates a code for email, replacing any pending one, and returns it.
func (s *Store) Issue(ctx context.Context, email string) (string, error) {
	code, err := generateCode()
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), s.cfg.HashCost)
	if err != nil {
		return "", fmt.Errorf("hash code: %w", err)
	}

	mu := s.lock(email)
	mu.Lock()
	defer mu.Unlock()

	record := models.OTP{
		Email:     email,
		CodeHash:  hash,
		ExpiresAt: s.cfg.Now().Add(s.cfg.TTL),
	}
	if err := s.repo.PutOTP(ctx, record); err != nil {
		return "", fmt.Errorf("store code: %w", err)
	}
	return code, nil
}

// Verify checks code against the pending code for email and consumes it on
// success. A wrong or missing code yields ErrInvalidCode; a matching code past
// its window yields ErrExpired and stays pending until replaced or swept.
func (s *Store) Verify(ctx context.Context, email, code string) error {
	mu := s.lock(email)
	mu.Lock()
	defer mu.Unlock()

	record, err := s.repo.GetOTP(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return ErrInvalidCode
	}
	if err != nil {
		return fmt.Errorf("load code: %w", err)
	}

	if bcrypt.CompareHashAndPassword(record.CodeHash, []byte(code)) != nil {
		return ErrInvalidCode
	}
	if record.Expired(s.cfg.Now()) {
		return ErrExpired
	}

	if err := s.repo.DeleteOTP(ctx, email); err != nil {
		return fmt.Errorf("consume code: %w", err)
	}
	return nil
}

// Sweep deletes every code that has expired.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	return s.repo.DeleteExpiredOTPs(ctx, s.cfg.Now())
}

// RunSweeper calls Sweep every interval until ctx is done. Failures go to onError.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration, onError func(error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && onError != nil {
				onError(err)
			}
		}
	}
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(codeRange))
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(n.Int64()+codeMin, 10), nil
}
