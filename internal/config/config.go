package config

import (
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// DBConfig tunes the pgx pool.
type DBConfig struct {
	DBDSN               string `envconfig:"DB_DSN" required:"true"`
	DBMaxConns          int32  `envconfig:"DB_POOL_MAX_CONNS" default:"10"`
	DBMinConns          int32  `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBMaxConnLifetime   string `envconfig:"DB_POOL_MAX_CONN_LIFETIME" default:"30m"`
	DBMaxConnIdleTime   string `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME" default:"5m"`
	DBHealthCheckPeriod string `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD" default:"1m"`
}

// QueueConfig selects and configures the job queue backend.
type QueueConfig struct {
	Backend string `envconfig:"QUEUE_BACKEND" default:"redis"` // redis | sqs | memory

	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	// AWS / SQS
	AWSRegion             string `envconfig:"AWS_REGION" default:"me-south-1"`
	LocalstackEndpoint    string `envconfig:"LOCALSTACK_ENDPOINT"`
	SQSWebhookQueueURL    string `envconfig:"SQS_WEBHOOK_QUEUE_URL"`
	SQSSendQueueURL       string `envconfig:"SQS_SEND_QUEUE_URL"`
	SQSDeadLetterQueueURL string `envconfig:"SQS_DLQ_URL"`
	SQSWaitTime           int32  `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs            int32  `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout         int32  `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"60"`

	JobAttempts int `envconfig:"JOB_ATTEMPTS" default:"5"`
}

type APIConfig struct {
	DBConfig
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Webhook signature secrets per provider.
	SallaWebhookSecret string `envconfig:"SALLA_WEBHOOK_SECRET"`
	ZidWebhookSecret   string `envconfig:"ZID_WEBHOOK_SECRET"`

	// IP allowlist
	IPAllowlistEnabled bool     `envconfig:"IP_ALLOWLIST_ENABLED" default:"false"`
	IPAllowlist        []string `envconfig:"IP_ALLOWLIST"`
	TrustProxy         bool     `envconfig:"TRUST_PROXY" default:"false"`

	// Admin routes are disabled when empty.
	AdminToken string `envconfig:"ADMIN_TOKEN"`

	QueueConfig
}

type WorkerConfig struct {
	DBConfig
	MetricsPort string `envconfig:"METRICS_PORT" default:"9091"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	QueueConfig

	// Event processor pool
	EventConcurrency int     `envconfig:"EVENT_CONCURRENCY" default:"10"`
	EventRatePerSec  float64 `envconfig:"EVENT_RATE_PER_SEC" default:"50"`
	EventBurst       int     `envconfig:"EVENT_BURST" default:"50"`

	// Delayed send pool
	SendConcurrency int     `envconfig:"SEND_CONCURRENCY" default:"5"`
	SendRatePerSec  float64 `envconfig:"SEND_RATE_PER_SEC" default:"10"`
	SendBurst       int     `envconfig:"SEND_BURST" default:"10"`

	// Outbound gateway
	GatewayBaseURL string  `envconfig:"GATEWAY_BASE_URL" required:"true"`
	GatewayToken   string  `envconfig:"GATEWAY_TOKEN"`
	GatewayRPS     float64 `envconfig:"GATEWAY_RPS" default:"5"`
	GatewayBurst   int     `envconfig:"GATEWAY_BURST" default:"10"`

	SweepIntervalSeconds int `envconfig:"SWEEP_INTERVAL_SECONDS" default:"60"`
}

// loadDotEnv loads .env when present. Variables already set in the environment win.
func loadDotEnv() {
	_ = godotenv.Load()
}

func LoadAPI() APIConfig {
	loadDotEnv()
	var cfg APIConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	cfg.IPAllowlist = trimAll(cfg.IPAllowlist)
	return cfg
}

func LoadWorker() WorkerConfig {
	loadDotEnv()
	var cfg WorkerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func trimAll(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
