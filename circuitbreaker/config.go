package circuitbreaker

import (
	"fmt"
	"time"
)

// Config controls when a breaker trips and how it recovers.
type Config struct {
	// MaxRequests is the number of trial calls allowed while half-open.
	MaxRequests uint32
	// Interval is the closed-state window after which counts reset. Zero
	// never resets.
	Interval time.Duration
	// Timeout is how long the breaker stays open before going half-open.
	Timeout             time.Duration
	ConsecutiveFailures uint32
	FailureRatio        float64
	MinRequests         uint32
}

// DefaultConfig provides balanced settings for most handlers.
func DefaultConfig() Config {
	return Config{
		MaxRequests:         3,
		Interval:            2 * time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 15,
		FailureRatio:        0.5,
		MinRequests:         10,
	}
}

// BrokerConfig trips faster, for handlers that publish to a message broker.
func BrokerConfig() Config {
	return Config{
		MaxRequests:         2,
		Interval:            time.Minute,
		Timeout:             10 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.4,
		MinRequests:         5,
	}
}

func (c Config) Validate() error {
	if c.FailureRatio < 0 || c.FailureRatio > 1 {
		return fmt.Errorf("failure ratio must be within [0, 1], got %v", c.FailureRatio)
	}

	if c.Timeout < 0 || c.Interval < 0 {
		return fmt.Errorf("timeout and interval must not be negative")
	}

	if c.ConsecutiveFailures == 0 && c.MinRequests == 0 {
		return fmt.Errorf("either consecutive failures or min requests must be set")
	}

	return nil
}

func (c Config) readyToTrip(requests, totalFailures, consecutiveFailures uint32) bool {
	if c.ConsecutiveFailures > 0 && consecutiveFailures >= c.ConsecutiveFailures {
		return true
	}

	if c.MinRequests == 0 || requests < c.MinRequests {
		return false
	}

	return float64(totalFailures)/float64(requests) >= c.FailureRatio
}
