// Package config loads and validates the service configuration from
// config.yml, .env files, and environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/recapd/recapd/internal/job"
	"github.com/recapd/recapd/internal/logger"
	"github.com/recapd/recapd/internal/observability"
	"github.com/recapd/recapd/internal/server"
	"github.com/recapd/recapd/internal/source"
	"github.com/recapd/recapd/internal/store"
	"github.com/recapd/recapd/internal/summarize/ollama"
	"github.com/recapd/recapd/internal/transcribe/vosk"
	"github.com/recapd/recapd/internal/transcribe/whisper"
)

// Config is the root service configuration.
type Config struct {
	Name        string `yaml:"name" mapstructure:"name"`
	Environment string `yaml:"environment" mapstructure:"environment" validate:"omitempty,oneof=development staging production"`
	Version     string `yaml:"version" mapstructure:"version"`
	Debug       bool   `yaml:"debug" mapstructure:"debug"`

	Logging       logger.Config        `yaml:"logging" mapstructure:"logging"`
	Server        server.Config        `yaml:"server" mapstructure:"server"`
	Auth          AuthConfig           `yaml:"auth" mapstructure:"auth"`
	Store         store.Config         `yaml:"store" mapstructure:"store"`
	Resolver      source.Config        `yaml:"resolver" mapstructure:"resolver"`
	Transcription TranscriptionConfig  `yaml:"transcription" mapstructure:"transcription"`
	Summarizer    ollama.Config        `yaml:"summarizer" mapstructure:"summarizer"`
	Pipeline      job.Config           `yaml:"pipeline" mapstructure:"pipeline"`
	Observability observability.Config `yaml:"observability" mapstructure:"observability"`
}

// AuthConfig configures bearer token validation. Tokens are issued elsewhere;
// this service only verifies them.
type AuthConfig struct {
	Secret string `yaml:"secret" mapstructure:"secret" validate:"required,min=32"`
}

// TranscriptionConfig configures the transcription backend chain. Backends
// lists the fallback order by name.
type TranscriptionConfig struct {
	Backends       []string       `yaml:"backends" mapstructure:"backends" validate:"required,min=1,dive,oneof=whisper vosk"`
	AttemptTimeout time.Duration  `yaml:"attempt_timeout" mapstructure:"attempt_timeout"`
	Whisper        whisper.Config `yaml:"whisper" mapstructure:"whisper"`
	Vosk           vosk.Config    `yaml:"vosk" mapstructure:"vosk"`
}

// ApplyDefaults fills in zero values across the tree.
func (c *Config) ApplyDefaults() {
	if c.Name == "" {
		c.Name = "recapd"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.Environment == "development" {
		c.Debug = true
	}
	if c.Logging.ServiceName == "" {
		c.Logging.ServiceName = c.Name
	}
	c.Logging.ApplyDefaults()
	c.Server.ApplyDefaults()
	c.Store.ApplyDefaults()
	c.Resolver.ApplyDefaults()
	if len(c.Transcription.Backends) == 0 {
		c.Transcription.Backends = []string{"whisper", "vosk"}
	}
	if c.Transcription.AttemptTimeout == 0 {
		c.Transcription.AttemptTimeout = 2 * time.Minute
	}
	c.Pipeline.ApplyDefaults()
	if c.Observability.ServiceName == "" {
		c.Observability.ServiceName = c.Name
	}
	c.Observability.ApplyDefaults()
}

// Validate checks the configuration after defaults are applied.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}

	v := validator.New()
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if ok := asValidationErrors(err, &verrs); ok && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config field %s failed rule %q", fe.Namespace(), fe.Tag())
		}
		return err
	}
	return nil
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	verrs, ok := err.(validator.ValidationErrors)
	if ok {
		*target = verrs
	}
	return ok
}
