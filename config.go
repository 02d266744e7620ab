package main

import (
	"time"

	"estafet/pkg/estafet"

	"github.com/kelseyhightower/envconfig"
)

// Config is populated from the environment (after loadDotEnv has filled in
// any values from a local .env file).
type Config struct {
	Addr          string `envconfig:"ADDR" default:":8081"`
	DBDSN         string `envconfig:"DB_DSN"`
	DBAutoMigrate bool   `envconfig:"DB_AUTO_MIGRATE" default:"true"`
	JWTSecret     string `envconfig:"JWT_SECRET"`

	// Protocol defaults; sessions can override token TTL and stall threshold.
	TokenTTLSecs       int `envconfig:"TOKEN_TTL_SECS" default:"90"`
	ChallengeTTLSecs   int `envconfig:"CHALLENGE_TTL_SECS" default:"45"`
	StallThresholdSecs int `envconfig:"STALL_THRESHOLD_SECS" default:"300"`
	ActiveWindowSecs   int `envconfig:"ACTIVE_WINDOW_SECS" default:"900"`
}

func loadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// coreConfig maps the env knobs onto the protocol config.
func (c *Config) coreConfig() estafet.Config {
	return estafet.Config{
		TokenTTL:       time.Duration(c.TokenTTLSecs) * time.Second,
		ChallengeTTL:   time.Duration(c.ChallengeTTLSecs) * time.Second,
		StallThreshold: time.Duration(c.StallThresholdSecs) * time.Second,
		ActiveWindow:   time.Duration(c.ActiveWindowSecs) * time.Second,
	}
}
