package shipper

import (
	"errors"
	"fmt"
	"time"

	"github.com/kon-rad/logship/internal/queue"
	"github.com/kon-rad/logship/internal/record"
)

type Config struct {
	Capacity  int
	LowWater  int
	RetryMax  int
	RetryWait time.Duration
	EmptyWait time.Duration

	// SendTimeout bounds a single delivery attempt. Zero leaves it to the
	// sink's own transport.
	SendTimeout time.Duration

	RejectOversized bool
	MaxFieldBytes   int
}

func DefaultConfig() Config {
	return Config{
		Capacity:      queue.DefaultCapacity,
		LowWater:      queue.DefaultLowWater,
		RetryMax:      10,
		RetryWait:     60 * time.Second,
		EmptyWait:     time.Second,
		MaxFieldBytes: record.MaxFieldBytes,
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("capacity must be positive, got %d", c.Capacity))
	}
	if c.LowWater < 1 || c.LowWater > c.Capacity {
		errs = append(errs, fmt.Errorf("low water must be in [1, capacity], got %d", c.LowWater))
	}
	if c.RetryMax < 0 {
		errs = append(errs, fmt.Errorf("retry max must not be negative, got %d", c.RetryMax))
	}
	if c.RetryWait <= 0 {
		errs = append(errs, fmt.Errorf("retry wait must be positive, got %s", c.RetryWait))
	}
	if c.EmptyWait <= 0 {
		errs = append(errs, fmt.Errorf("empty wait must be positive, got %s", c.EmptyWait))
	}
	if c.SendTimeout < 0 {
		errs = append(errs, fmt.Errorf("send timeout must not be negative, got %s", c.SendTimeout))
	}
	if c.RejectOversized && c.MaxFieldBytes <= 0 {
		errs = append(errs, fmt.Errorf("max field bytes must be positive when rejecting oversized records, got %d", c.MaxFieldBytes))
	}
	return errors.Join(errs...)
}
