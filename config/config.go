package config

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/Netflix/go-env"
)

type Certificate struct {
	Raw *x509.Certificate
}

func (c *Certificate) UnmarshalEnvironmentValue(data string) error {
	decodedData, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return fmt.Errorf("could not decode base64-encoded certificate: %w", err)
	}

	CACertBlock, _ := pem.Decode(decodedData)
	if CACertBlock == nil {
		return fmt.Errorf("CA certificate is invalid")
	}

	CACert, err := x509.ParseCertificate(CACertBlock.Bytes)
	if err != nil {
		return fmt.Errorf("could not parse CA cert: %w", err)
	}

	c.Raw = CACert

	return nil
}

type Config struct {
	ListenAddress     string       `env:"LISTEN_ADDRESS,default=0.0.0.0:8080"`
	SQLiteDirPath     string       `env:"SQLITE_DIR_PATH,default=db"`
	PgDatabaseUrl     string       `env:"DATABASE_URL"`
	CACert            *Certificate `env:"CA_CERT"`
	HeartbeatInterval int          `env:"HEARTBEAT_INTERVAL_SECONDS,default=15"`
	HeartbeatTimeout  int          `env:"HEARTBEAT_TIMEOUT_SECONDS,default=60"`
	IngestInterval    int          `env:"INGEST_INTERVAL_SECONDS,default=300"`
	DefaultPullLimit  int          `env:"DEFAULT_PULL_LIMIT,default=100"`
	MaxPullLimit      int          `env:"MAX_PULL_LIMIT,default=500"`

	// Optional roster provider; ingestion is enabled when a base URL is set.
	RosterBaseURL     string `env:"ROSTER_BASE_URL"`
	RosterToken       string `env:"ROSTER_TOKEN"`
	RosterTenantID    string `env:"ROSTER_TENANT_ID"`
	RosterEntityTypes string `env:"ROSTER_ENTITY_TYPES,default=student"`
}

func NewConfig() (*Config, error) {
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(c.HeartbeatInterval) * time.Second
}

func (c *Config) HeartbeatTimeoutDuration() time.Duration {
	return time.Duration(c.HeartbeatTimeout) * time.Second
}

func (c *Config) IngestIntervalDuration() time.Duration {
	return time.Duration(c.IngestInterval) * time.Second
}
