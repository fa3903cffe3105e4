package config

import "time"

type Config struct {
	RedisAddr string
	TTL       time.Duration
}
