package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	cacheConfig "github.com/iurnickita/groupbuy/internal/cache/config"
	handlerConfig "github.com/iurnickita/groupbuy/internal/handler/config"
	loggerConfig "github.com/iurnickita/groupbuy/internal/logger/config"
	notifyConfig "github.com/iurnickita/groupbuy/internal/notify/config"
	paymentConfig "github.com/iurnickita/groupbuy/internal/payment/config"
	serviceConfig "github.com/iurnickita/groupbuy/internal/service/config"
	storeConfig "github.com/iurnickita/groupbuy/internal/store/config"
	workerConfig "github.com/iurnickita/groupbuy/internal/worker/config"
)

type Config struct {
	Handler handlerConfig.Config
	Service serviceConfig.Config
	Store   storeConfig.Config
	Logger  loggerConfig.Config
	Notify  notifyConfig.Config
	Payment paymentConfig.Config
	Cache   cacheConfig.Config
	Worker  workerConfig.Config
}

// GetConfig reads command-line flags; environment variables take precedence.
func GetConfig() (Config, error) {
	return parse(os.Args[1:], os.Getenv)
}

func parse(args []string, getenv func(string) string) (Config, error) {
	var cfg Config

	fs := flag.NewFlagSet("groupbuy", flag.ContinueOnError)
	// Сервер
	fs.StringVar(&cfg.Handler.ServerAddr, "a", ":8080", "server address")
	fs.StringVar(&cfg.Handler.TokenSecret, "s", "", "token signing secret")
	fs.IntVar(&cfg.Handler.JoinRateLimit, "join-limit", 0, "join requests per window per participant, 0 disables")
	fs.DurationVar(&cfg.Handler.JoinRateWindow, "join-window", time.Minute, "join rate limit window")
	fs.DurationVar(&cfg.Handler.ShutdownTimeout, "shutdown-timeout", 10*time.Second, "graceful shutdown timeout")
	// Хранилище и логи
	fs.StringVar(&cfg.Store.DBDsn, "d", "", "database DSN, empty keeps data in memory")
	fs.StringVar(&cfg.Logger.LogLevel, "l", "info", "log level")
	// Расчёты
	fs.BoolVar(&cfg.Service.RevertBelowThreshold, "revert", false, "revert THRESHOLD_MET below threshold on cancel")
	// Интеграции
	fs.StringVar(&cfg.Notify.Brokers, "k", "", "kafka brokers, comma separated")
	fs.StringVar(&cfg.Notify.Topic, "topic", "groupbuy.events", "kafka topic")
	fs.StringVar(&cfg.Cache.RedisAddr, "r", "", "redis address")
	fs.DurationVar(&cfg.Cache.TTL, "cache-ttl", 30*time.Second, "campaign cache ttl")
	fs.StringVar(&cfg.Payment.GatewayAddr, "p", "", "payment gateway address")
	fs.DurationVar(&cfg.Payment.Timeout, "payment-timeout", 5*time.Second, "payment gateway timeout")
	// Фоновые задачи
	fs.DurationVar(&cfg.Worker.SweepInterval, "sweep-interval", time.Minute, "expiry sweep interval")
	fs.IntVar(&cfg.Worker.SweepBatch, "sweep-batch", 100, "campaigns expired per sweep batch")
	fs.DurationVar(&cfg.Worker.RefundInterval, "refund-interval", 15*time.Second, "refund relay interval")
	fs.IntVar(&cfg.Worker.RefundBatch, "refund-batch", 50, "refunds per relay batch")
	fs.IntVar(&cfg.Worker.RefundMaxAttempts, "refund-attempts", 8, "refund attempts before giving up")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	env := envReader{getenv: getenv}
	env.str("RUN_ADDRESS", &cfg.Handler.ServerAddr)
	env.str("TOKEN_SECRET", &cfg.Handler.TokenSecret)
	env.integer("JOIN_RATE_LIMIT", &cfg.Handler.JoinRateLimit)
	env.duration("JOIN_RATE_WINDOW", &cfg.Handler.JoinRateWindow)
	env.str("DATABASE_URI", &cfg.Store.DBDsn)
	env.str("LOG_LEVEL", &cfg.Logger.LogLevel)
	env.boolean("REVERT_BELOW_THRESHOLD", &cfg.Service.RevertBelowThreshold)
	env.str("KAFKA_BROKERS", &cfg.Notify.Brokers)
	env.str("KAFKA_TOPIC", &cfg.Notify.Topic)
	env.str("REDIS_ADDR", &cfg.Cache.RedisAddr)
	env.str("PAYMENT_GATEWAY_ADDRESS", &cfg.Payment.GatewayAddr)
	env.duration("SWEEP_INTERVAL", &cfg.Worker.SweepInterval)
	env.duration("REFUND_INTERVAL", &cfg.Worker.RefundInterval)
	if env.err != nil {
		return Config{}, env.err
	}

	if cfg.Handler.TokenSecret == "" {
		return Config{}, fmt.Errorf("token secret is required")
	}
	return cfg, nil
}

// envReader records the first malformed variable.
type envReader struct {
	getenv func(string) string
	err    error
}

func (e *envReader) str(key string, dst *string) {
	if v := e.getenv(key); v != "" {
		*dst = v
	}
}

func (e *envReader) integer(key string, dst *int) {
	v := e.getenv(key)
	if v == "" || e.err != nil {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.err = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = n
}

func (e *envReader) boolean(key string, dst *bool) {
	v := e.getenv(key)
	if v == "" || e.err != nil {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.err = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = b
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v := e.getenv(key)
	if v == "" || e.err != nil {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.err = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = d
}
