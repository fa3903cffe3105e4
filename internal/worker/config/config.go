package config

import "time"

type Config struct {
	SweepInterval     time.Duration
	SweepBatch        int
	RefundInterval    time.Duration
	RefundBatch       int
	RefundMaxAttempts int
}
