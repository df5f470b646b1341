package config

import (
	"encoding/json"
	"net/url"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/determined-ai/fleetsched/internal/provider/aws"
	"github.com/determined-ai/fleetsched/internal/scheduler"
	"github.com/determined-ai/fleetsched/pkg/logger"
)

const defaultMetricsJob = "fleet-scheduler"

// DefaultsConfig holds the values applied to fields missing from invocation payloads.
type DefaultsConfig struct {
	TagName string `json:"tag_name"`
	// TagValues is a JSON-encoded list, in the same form the trigger sends it.
	TagValues string `json:"tag_values"`
}

// AWSConfig configures the EC2 client.
type AWSConfig struct {
	Endpoint     string  `json:"endpoint"`
	MaxRetries   int     `json:"max_retries"`
	APIRateLimit float64 `json:"api_rate_limit"`
	APIBurst     int     `json:"api_burst"`
	// DetectRegion falls back to EC2 instance metadata when no region is configured.
	DetectRegion bool `json:"detect_region"`
}

// MetricsConfig configures pushing run metrics to a Prometheus Pushgateway.
type MetricsConfig struct {
	PushgatewayURL string `json:"pushgateway_url"`
	Job            string `json:"job"`
}

// Config is the configuration of the fleet scheduler process.
type Config struct {
	ConfigFile  string         `json:"config_file"`
	Log         logger.Config  `json:"log"`
	Region      string         `json:"region"`
	Defaults    DefaultsConfig `json:"defaults"`
	Concurrency int            `json:"concurrency"`
	DryRun      bool           `json:"dry_run"`
	AWS         AWSConfig      `json:"aws"`
	Metrics     MetricsConfig  `json:"metrics"`

	// StrictPayload rejects invocation payloads with unrecognized fields.
	StrictPayload bool `json:"strict_payload"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Log: *logger.DefaultConfig(),
		Defaults: DefaultsConfig{
			TagName:   scheduler.DefaultTagName,
			TagValues: `["day", "night"]`,
		},
		Concurrency: scheduler.DefaultConcurrency,
		AWS: AWSConfig{
			MaxRetries:   3,
			APIRateLimit: 20,
			APIBurst:     10,
			DetectRegion: true,
		},
		Metrics: MetricsConfig{
			Job: defaultMetricsJob,
		},
	}
}

// Validate returns every problem found in the configuration as a single error.
func (c Config) Validate() error {
	var result *multierror.Error
	for _, err := range c.Log.Validate() {
		result = multierror.Append(result, errors.Wrap(err, "log"))
	}
	if c.Defaults.TagName == "" {
		result = multierror.Append(result, errors.New("defaults.tag_name must not be empty"))
	}
	if _, err := scheduler.ParseTagValues(c.Defaults.TagValues); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "defaults.tag_values"))
	}
	if c.Concurrency < 1 {
		result = multierror.Append(result, errors.Errorf(
			"concurrency must be at least 1, got %d", c.Concurrency))
	}
	if c.AWS.MaxRetries < 0 {
		result = multierror.Append(result, errors.New("aws.max_retries must not be negative"))
	}
	if c.AWS.APIRateLimit < 0 {
		result = multierror.Append(result, errors.New("aws.api_rate_limit must not be negative"))
	}
	if c.AWS.APIRateLimit > 0 && c.AWS.APIBurst < 1 {
		result = multierror.Append(result, errors.New(
			"aws.api_burst must be at least 1 when aws.api_rate_limit is set"))
	}
	if c.AWS.Endpoint != "" {
		if _, err := url.ParseRequestURI(c.AWS.Endpoint); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "aws.endpoint"))
		}
	}
	if c.Metrics.PushgatewayURL != "" {
		u, err := url.Parse(c.Metrics.PushgatewayURL)
		switch {
		case err != nil:
			result = multierror.Append(result, errors.Wrap(err, "metrics.pushgateway_url"))
		case u.Scheme != "http" && u.Scheme != "https":
			result = multierror.Append(result, errors.New(
				"metrics.pushgateway_url scheme must be within [http, https]"))
		}
		if c.Metrics.Job == "" {
			result = multierror.Append(result, errors.New("metrics.job must not be empty"))
		}
	}
	return result.ErrorOrNil()
}

// Printable returns a JSON rendering of the configuration with credentials hidden.
func (c Config) Printable() ([]byte, error) {
	if u, err := url.Parse(c.Metrics.PushgatewayURL); err == nil && u.User != nil {
		c.Metrics.PushgatewayURL = u.Redacted()
	}
	bs, err := json.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "unable to convert config to JSON")
	}
	return bs, nil
}

// SchedulerDefaults returns the payload defaults.
func (c Config) SchedulerDefaults() (scheduler.Defaults, error) {
	values, err := scheduler.ParseTagValues(c.Defaults.TagValues)
	if err != nil {
		return scheduler.Defaults{}, errors.Wrap(err, "defaults.tag_values")
	}
	return scheduler.Defaults{TagName: c.Defaults.TagName, TagValues: values}, nil
}

// ProviderConfig returns the EC2 provider configuration; the region is set per invocation.
func (c Config) ProviderConfig() aws.Config {
	return aws.Config{
		Endpoint:     c.AWS.Endpoint,
		MaxRetries:   c.AWS.MaxRetries,
		DryRun:       c.DryRun,
		APIRateLimit: c.AWS.APIRateLimit,
		APIBurst:     c.AWS.APIBurst,
	}
}
