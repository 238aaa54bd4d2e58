// Package logging builds zerolog loggers and adapts them to restquery.Logger.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/fivetwenty-io/restquery/pkg/restquery"
)

// LoggerConfig describes how log output is produced.
type LoggerConfig struct {
	Level       string                 `json:"level,omitempty"       yaml:"level,omitempty"       mapstructure:"level"        validate:"oneof=debug info warn error"`
	Format      string                 `json:"format,omitempty"      yaml:"format,omitempty"      mapstructure:"format"       validate:"oneof=json console"`
	ServiceName string                 `json:"serviceName,omitempty" yaml:"serviceName,omitempty" mapstructure:"service_name"`
	WithCaller  bool                   `json:"withCaller,omitempty"  yaml:"withCaller,omitempty"  mapstructure:"with_caller"`
	Fields      map[string]interface{} `json:"fields,omitempty"      yaml:"fields,omitempty"      mapstructure:"fields"`
	// Output defaults to stderr so command output on stdout stays parseable.
	Output io.Writer `json:"-" yaml:"-" mapstructure:"-" validate:"-"`
}

// New validates config and returns a logger. Unlike a global level, the
// level is applied to the returned logger only.
func New(config *LoggerConfig) (zerolog.Logger, error) {
	config.setDefaults()

	err := validator.New().Struct(config)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("logger config validation error: %w", err)
	}

	level, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		return zerolog.Nop(), err
	}

	writer := config.Output
	if config.Format == "console" {
		writer = zerolog.ConsoleWriter{Out: config.Output, TimeFormat: "15:04:05"}
	}

	ctx := zerolog.New(writer).Level(level).With().Timestamp()
	if config.ServiceName != "" {
		ctx = ctx.Str("service", config.ServiceName)
	}

	if config.WithCaller {
		ctx = ctx.Caller()
	}

	if len(config.Fields) > 0 {
		ctx = ctx.Fields(config.Fields)
	}

	return ctx.Logger(), nil
}

func (c *LoggerConfig) setDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}

	if c.Format == "" {
		c.Format = "json"
	}

	if c.Output == nil {
		c.Output = os.Stderr
	}
}

// Adapter implements restquery.Logger on top of zerolog.
type Adapter struct {
	logger zerolog.Logger
}

var _ restquery.Logger = (*Adapter)(nil)

// NewAdapter tags every event with the restquery component.
func NewAdapter(logger zerolog.Logger) *Adapter {
	return &Adapter{logger: logger.With().Str("component", "restquery").Logger()}
}

func (a *Adapter) Debug(msg string, fields map[string]interface{}) {
	a.logger.Debug().Fields(fields).Msg(msg)
}

func (a *Adapter) Info(msg string, fields map[string]interface{}) {
	a.logger.Info().Fields(fields).Msg(msg)
}

func (a *Adapter) Warn(msg string, fields map[string]interface{}) {
	a.logger.Warn().Fields(fields).Msg(msg)
}

func (a *Adapter) Error(msg string, fields map[string]interface{}) {
	a.logger.Error().Fields(fields).Msg(msg)
}
