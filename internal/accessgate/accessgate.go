// Package accessgate derives and checks the access codes that protect
// sensitive certificate fields.
//
// Codes are stored only as bcrypt hashes with a per-call salt. bcrypt is
// deliberately slow, so both operations run on a bounded pool sized to the
// CPU count; callers block until a slot frees up or their context ends.
package accessgate

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"
)

// DefaultCost is the bcrypt work factor used when Config.Cost is zero.
const DefaultCost = 12

// MinCost is the lowest work factor accepted in production configuration.
const MinCost = 10

// Errors
var (
	ErrEmptyCode     = errors.New("accessgate: access code is empty")
	ErrMalformedHash = errors.New("accessgate: malformed access code hash")
	ErrInvalidCost   = errors.New("accessgate: invalid bcrypt cost")
)

// Config controls the gate.
type Config struct {
	Cost    int `toml:"bcrypt_cost" json:"bcrypt_cost" yaml:"bcrypt_cost"`
	Workers int `toml:"workers" json:"workers" yaml:"workers"`
}

// Gate hashes and verifies access codes.
type Gate struct {
	cost int
	sem  *semaphore.Weighted
}

// minCost is lowered by tests to keep bcrypt fast.
var minCost = MinCost

// New creates a gate. A zero Cost selects DefaultCost and a zero Workers
// selects runtime.NumCPU().
func New(cfg Config) (*Gate, error) {
	cost := cfg.Cost
	if cost == 0 {
		cost = DefaultCost
	}
	if cost < minCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("%w: %d (allowed %d-%d)", ErrInvalidCost, cost, minCost, bcrypt.MaxCost)
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	return &Gate{
		cost: cost,
		sem:  semaphore.NewWeighted(int64(workers)),
	}, nil
}

// Cost returns the configured work factor.
func (g *Gate) Cost() int {
	return g.cost
}

// Derive hashes code with a fresh salt.
func (g *Gate) Derive(ctx context.Context, code string) (string, error) {
	if code == "" {
		return "", ErrEmptyCode
	}
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer g.sem.Release(1)

	h, err := bcrypt.GenerateFromPassword([]byte(code), g.cost)
	if err != nil {
		return "", fmt.Errorf("derive access code hash: %w", err)
	}
	return string(h), nil
}

// Verify reports whether code matches hash. A mismatch is (false, nil); a
// hash that is not a bcrypt hash is (false, ErrMalformedHash).
func (g *Gate) Verify(ctx context.Context, code, hash string) (bool, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer g.sem.Release(1)

	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(code))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, fmt.Errorf("%w: %v", ErrMalformedHash, err)
	}
}
