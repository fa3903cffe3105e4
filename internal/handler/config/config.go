package config

import "time"

type Config struct {
	ServerAddr      string
	TokenSecret     string
	JoinRateLimit   int
	JoinRateWindow  time.Duration
	ShutdownTimeout time.Duration
}
