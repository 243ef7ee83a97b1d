// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the full runtime configuration for the work requests service.
type Config struct {
	Service  ServiceConfig
	Server   ServerConfig
	Database DatabaseConfig
	NATS     NATSConfig
	Redis    RedisConfig
	Stands   StandsConfig
	Workflow WorkflowConfig
}

type ServiceConfig struct {
	Name        string `env:"SERVICE_NAME" envDefault:"be-work-requests"`
	Version     string `env:"SERVICE_VERSION" envDefault:"dev"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
}

type ServerConfig struct {
	Port            int           `env:"HTTP_PORT" envDefault:"8080"`
	GRPCPort        int           `env:"GRPC_PORT" envDefault:"9090"`
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	RequestTimeout  time.Duration `env:"HTTP_REQUEST_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"20s"`
}

type DatabaseConfig struct {
	Host        string        `env:"DB_HOST" envDefault:"localhost"`
	Port        int           `env:"DB_PORT" envDefault:"5432"`
	User        string        `env:"DB_USER" envDefault:"postgres"`
	Password    string        `env:"DB_PASSWORD" envDefault:"postgres"`
	Database    string        `env:"DB_NAME" envDefault:"work_requests"`
	SSLMode     string        `env:"DB_SSLMODE" envDefault:"disable"`
	MaxConns    int32         `env:"DB_MAX_CONNS" envDefault:"10"`
	MinConns    int32         `env:"DB_MIN_CONNS" envDefault:"2"`
	MaxConnLife time.Duration `env:"DB_MAX_CONN_LIFETIME" envDefault:"30m"`
	MaxIdleTime time.Duration `env:"DB_MAX_IDLE_TIME" envDefault:"5m"`
}

type NATSConfig struct {
	URL     string `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	Enabled bool   `env:"NATS_ENABLED" envDefault:"true"`
}

type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD" envDefault:""`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
	Enabled  bool   `env:"REDIS_ENABLED" envDefault:"true"`
}

type StandsConfig struct {
	BaseURL string        `env:"STANDS_API_URL" envDefault:"http://localhost:8081"`
	Timeout time.Duration `env:"STANDS_API_TIMEOUT" envDefault:"5s"`
}

// WorkflowConfig holds the built-in approval policy defaults used when an
// organization has no policy row of its own.
type WorkflowConfig struct {
	FinanceThresholdCents int64  `env:"FINANCE_THRESHOLD_CENTS" envDefault:"1000000"`
	DefaultSupervisorID   string `env:"DEFAULT_SUPERVISOR_ID" envDefault:"role:supervisor"`
	DefaultDutyManagerID  string `env:"DEFAULT_DUTY_MANAGER_ID" envDefault:"role:duty_manager"`
	DefaultFinanceID      string `env:"DEFAULT_FINANCE_APPROVER_ID" envDefault:"role:finance"`
	DefaultOpsLeadID      string `env:"DEFAULT_OPS_LEAD_ID" envDefault:"role:operations_lead"`
	StepSLAHours          int    `env:"APPROVAL_STEP_SLA_HOURS" envDefault:"24"`
	CompensationRetries   uint64 `env:"COMPENSATION_MAX_RETRIES" envDefault:"3"`
	BulkWorkers           int    `env:"BULK_UPDATE_WORKERS" envDefault:"8"`
}

// Load reads configuration from the environment. A local .env file is
// applied first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

// DSN renders the pgx connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}
