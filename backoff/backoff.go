package backoff

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	mrand "math/rand/v2"
	"time"
)

const maxShift = 62

// Exponential returns base * 2^attempt, saturating at math.MaxInt64.
// Negative attempts are treated as 0.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	attempt = min(max(attempt, 0), maxShift)

	multiplier := int64(1) << attempt
	if int64(base) > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}

	return base * time.Duration(multiplier)
}

// FullJitter returns a random duration in [0, d). Zero or negative input
// yields 0.
func FullJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}

	n, err := rand.Int(rand.Reader, big.NewInt(int64(d)))
	if err != nil {
		return time.Duration(fallbackRand(int64(d)))
	}

	return time.Duration(n.Int64())
}

// fallbackRand seeds a PCG generator when crypto/rand.Int fails, and returns
// the midpoint when even seeding fails.
func fallbackRand(n int64) int64 {
	var seed [8]byte

	if _, err := rand.Read(seed[:]); err != nil {
		return n / 2
	}

	rng := mrand.New(mrand.NewPCG(binary.LittleEndian.Uint64(seed[:]), 0)) // #nosec G404

	return rng.Int64N(n)
}

// Policy is a capped exponential schedule with jitter.
//
// Delay(n) is drawn from [d/2, d) where d = min(Base * 2^(n-1), Max), so the
// expected delay keeps growing with n while retries of many items spread out.
type Policy struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before the retry that follows failed attempt n
// (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	d := Exponential(p.Base, attempt-1)
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}

	if d <= 0 {
		return 0
	}

	half := d / 2

	return half + FullJitter(d-half)
}

// Validate reports whether the policy can produce delays.
func (p Policy) Validate() error {
	if p.Base <= 0 {
		return fmt.Errorf("backoff base must be positive, got %s", p.Base)
	}

	if p.Max > 0 && p.Max < p.Base {
		return fmt.Errorf("backoff max %s is lower than base %s", p.Max, p.Base)
	}

	return nil
}

// SleepWithContext waits for d or until ctx is done.
func SleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	}
}
