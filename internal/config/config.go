package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// SessionConfig covers the WhatsApp session and its credential store.
type SessionConfig struct {
	// sqlite3 or postgres; postgres shares the task store pool when
	// STORE_DRIVER is postgres and opens WA_SESSION_DSN otherwise
	Dialect         string        `envconfig:"WA_SESSION_DIALECT" default:"sqlite3"`
	DSN             string        `envconfig:"WA_SESSION_DSN" default:"file:data/whatsapp-session.db?_foreign_keys=on"`
	MaxInitAttempts int           `envconfig:"WA_MAX_INIT_ATTEMPTS" default:"3"`
	RetryDelay      time.Duration `envconfig:"WA_RETRY_DELAY" default:"10s"`
	AuthRetryDelay  time.Duration `envconfig:"WA_AUTH_RETRY_DELAY" default:"5s"`
	ReconnectDelay  time.Duration `envconfig:"WA_RECONNECT_DELAY" default:"10s"`
	StartDelay      time.Duration `envconfig:"WA_START_DELAY" default:"2s"`
	LogLevel        string        `envconfig:"WA_LOG_LEVEL" default:"warn"`
	// BotJID is promoted by promote-bot; empty means the connected account
	BotJID string `envconfig:"WA_BOT_JID"`
}

type APIConfig struct {
	Port      string `envconfig:"PORT" default:"3001"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	Timezone  string `envconfig:"SCHEDULE_TIMEZONE" default:"Local"`

	// task store: file or postgres
	StoreDriver  string `envconfig:"STORE_DRIVER" default:"file"`
	ScheduleFile string `envconfig:"SCHEDULE_FILE" default:"schedule-data.json"`
	DBDSN        string `envconfig:"DB_DSN"`

	DBPoolMaxConns          int32         `envconfig:"DB_POOL_MAX_CONNS" default:"10"`
	DBPoolMinConns          int32         `envconfig:"DB_POOL_MIN_CONNS" default:"1"`
	DBPoolMaxConnLifetime   time.Duration `envconfig:"DB_POOL_MAX_CONN_LIFETIME" default:"30m"`
	DBPoolMaxConnIdleTime   time.Duration `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME" default:"5m"`
	DBPoolHealthCheckPeriod time.Duration `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD" default:"30s"`

	UploadDir    string   `envconfig:"UPLOAD_DIR" default:"uploads"`
	ScheduledDir string   `envconfig:"SCHEDULED_DIR" default:"uploads/scheduled"`
	MaxUploadMB  int64    `envconfig:"MAX_UPLOAD_MB" default:"16"`
	CORSOrigins  []string `envconfig:"CORS_ORIGINS" default:"*"`

	Session SessionConfig

	// sending
	SendRPS            float64       `envconfig:"SEND_RPS" default:"1"`
	SendBurst          int           `envconfig:"SEND_BURST" default:"5"`
	BreakerMaxFailures uint32        `envconfig:"BREAKER_MAX_FAILURES" default:"5"`
	BreakerTimeout     time.Duration `envconfig:"BREAKER_TIMEOUT" default:"30s"`
	DispatchTimeout    time.Duration `envconfig:"DISPATCH_TIMEOUT" default:"2m"`
	SendTimeout        time.Duration `envconfig:"SEND_TIMEOUT" default:"30s"`

	// firing guard; in-process unless REDIS_ADDR is set
	RedisAddr     string        `envconfig:"REDIS_ADDR"`
	RedisPassword string        `envconfig:"REDIS_PASSWORD"`
	RedisDB       int           `envconfig:"REDIS_DB" default:"0"`
	FiringLockTTL time.Duration `envconfig:"FIRING_LOCK_TTL" default:"2m"`

	// attachments go to MinIO when MINIO_ENDPOINT is set
	MinioEndpoint  string `envconfig:"MINIO_ENDPOINT"`
	MinioAccessKey string `envconfig:"MINIO_ACCESS_KEY"`
	MinioSecretKey string `envconfig:"MINIO_SECRET_KEY"`
	MinioUseSSL    bool   `envconfig:"MINIO_USE_SSL" default:"false"`
	MinioBucket    string `envconfig:"MINIO_BUCKET" default:"wasched-attachments"`
	MinioPrefix    string `envconfig:"MINIO_PREFIX" default:"scheduled"`

	// dispatch events
	AWSRegion          string `envconfig:"AWS_REGION" default:"us-east-1"`
	SQSEventsQueueURL  string `envconfig:"SQS_EVENTS_QUEUE_URL"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
	NATSURL            string `envconfig:"NATS_URL"`
	NATSSubject        string `envconfig:"NATS_SUBJECT" default:"wasched.dispatch"`
}

// SendNowConfig is the one-shot CLI's view of the environment.
type SendNowConfig struct {
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	DBDSN     string `envconfig:"DB_DSN"`
	Session   SessionConfig
	ReadyWait time.Duration `envconfig:"SEND_NOW_READY_WAIT" default:"60s"`
}

func LoadAPI() APIConfig {
	var cfg APIConfig
	if err := load(&cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadSendNow() SendNowConfig {
	var cfg SendNowConfig
	if err := load(&cfg); err != nil {
		panic(err)
	}
	return cfg
}

func load(cfg any) error {
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := ApplyFileDefaults(path); err != nil {
			return err
		}
	}
	return envconfig.Process("", cfg)
}

// ApplyFileDefaults reads a YAML map of ENV_NAME: value pairs and exports
// every key that is not already set in the environment.
func ApplyFileDefaults(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: cannot read file %q: %w", path, err)
	}
	var values map[string]any
	if err := yaml.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("config: cannot unmarshal yaml: %w", err)
	}
	for key, v := range values {
		if _, set := os.LookupEnv(key); set {
			continue
		}
		if err := os.Setenv(key, envValue(v)); err != nil {
			return fmt.Errorf("config: set %s: %w", key, err)
		}
	}
	return nil
}

// envValue renders a YAML scalar or list the way envconfig expects it.
func envValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case []any:
		out := ""
		for i, item := range x {
			if i > 0 {
				out += ","
			}
			out += fmt.Sprint(item)
		}
		return out
	default:
		return fmt.Sprint(x)
	}
}
