package config

import "time"

type Config struct {
	GatewayAddr string
	Timeout     time.Duration
}
