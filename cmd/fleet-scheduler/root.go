package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/ghodss/yaml"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/determined-ai/fleetsched/internal/config"
	"github.com/determined-ai/fleetsched/internal/prom"
	"github.com/determined-ai/fleetsched/internal/provider/aws"
	"github.com/determined-ai/fleetsched/internal/scheduler"
	"github.com/determined-ai/fleetsched/pkg/logger"
)

const (
	defaultConfigPath = "/etc/fleet-scheduler/config.yaml"

	// lambdaRuntimeEnv is set by the Lambda runtime in every function instance.
	lambdaRuntimeEnv = "AWS_LAMBDA_RUNTIME_API"

	detectRegionTimeout = 2 * time.Second
)

var rootCmd = &cobra.Command{
	Use:   "fleet-scheduler",
	Short: "Stop running and start stopped EC2 instances selected by tag",
	RunE: func(cmd *cobra.Command, args []string) error {
		if os.Getenv(lambdaRuntimeEnv) != "" {
			return runLambda()
		}
		return cmd.Help()
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

// newProviderFactory is replaced in tests.
var newProviderFactory = func(c *config.Config) scheduler.ProviderFactory {
	return aws.Factory(c.ProviderConfig())
}

// app is everything an invocation needs, built once per process.
type app struct {
	config    *config.Config
	scheduler *scheduler.FleetScheduler
	metrics   *prom.Metrics
}

func newApp(ctx context.Context) (*app, error) {
	c, err := initializeConfig()
	if err != nil {
		return nil, err
	}
	logger.SetLogrus(c.Log)

	printableConfig, err := c.Printable()
	if err != nil {
		return nil, err
	}
	log.Infof("fleet scheduler configuration: %s", printableConfig)

	if c.Region == "" && c.AWS.DetectRegion {
		detectCtx, cancel := context.WithTimeout(ctx, detectRegionTimeout)
		region, err := aws.AmbientRegion(detectCtx)
		cancel()
		if err != nil {
			log.WithError(err).Warn("no region configured and none could be detected")
		} else {
			log.Infof("detected region %s", region)
			c.Region = region
		}
	}

	defaults, err := c.SchedulerDefaults()
	if err != nil {
		return nil, err
	}
	metrics := prom.NewMetrics()
	s := scheduler.New(newProviderFactory(c), scheduler.Options{
		AmbientRegion: c.Region,
		Defaults:      defaults,
		Concurrency:   c.Concurrency,
		DryRun:        c.DryRun,
		StrictPayload: c.StrictPayload,
		Observers:     []scheduler.Observer{metrics},
		Log:           log.WithField("component", "fleet-scheduler"),
	})
	return &app{config: c, scheduler: s, metrics: metrics}, nil
}

// invoke runs one invocation and pushes metrics. A push failure is logged, not returned.
func (a *app) invoke(
	ctx context.Context, invocationID string, payload json.RawMessage,
) (*scheduler.InvocationSummary, error) {
	summary, err := a.scheduler.Invoke(ctx, invocationID, payload)
	if err != nil {
		return nil, err
	}
	if url := a.config.Metrics.PushgatewayURL; url != "" {
		if err := a.metrics.Push(url, a.config.Metrics.Job); err != nil {
			log.WithError(err).Warn("cannot push metrics")
		}
	}
	return summary, nil
}

// initializeConfig returns the validated configuration populated from config file,
// environment variables, and command line flags.
func initializeConfig() (*config.Config, error) {
	// Fetch an initial config to get the config file path and read its settings into Viper.
	initialConfig, err := getConfig(v.AllSettings())
	if err != nil {
		return nil, err
	}

	bs, err := readConfigFile(initialConfig.ConfigFile)
	if err != nil {
		return nil, err
	}
	if err = mergeConfigBytesIntoViper(bs); err != nil {
		return nil, err
	}

	// Now call viper.AllSettings() again to get the full config, containing all values from
	// CLI flags, environment variables, and the configuration file.
	c, err := getConfig(v.AllSettings())
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return c, nil
}

func readConfigFile(configPath string) ([]byte, error) {
	isDefault := configPath == ""
	if isDefault {
		configPath = defaultConfigPath
	}

	var err error
	if _, err = os.Stat(configPath); err != nil {
		if isDefault && os.IsNotExist(err) {
			log.Debugf("no configuration file at %s, skipping", configPath)
			return nil, nil
		}
		return nil, errors.Wrap(err, "error finding configuration file")
	}
	bs, err := os.ReadFile(configPath) // #nosec G304
	if err != nil {
		return nil, errors.Wrap(err, "error reading configuration file")
	}
	return bs, nil
}

func mergeConfigBytesIntoViper(bs []byte) error {
	var configMap map[string]interface{}
	if err := yaml.Unmarshal(bs, &configMap); err != nil {
		return errors.Wrap(err, "error unmarshal yaml configuration file")
	}
	if err := v.MergeConfigMap(configMap); err != nil {
		return errors.Wrap(err, "error merge configuration to viper")
	}
	return nil
}

func getConfig(configMap map[string]interface{}) (*config.Config, error) {
	c := config.DefaultConfig()
	bs, err := json.Marshal(configMap)
	if err != nil {
		return nil, errors.Wrap(err, "cannot marshal configuration map into json bytes")
	}
	if err = yaml.Unmarshal(bs, c, yaml.DisallowUnknownFields); err != nil {
		return nil, errors.Wrap(err, "cannot unmarshal configuration")
	}
	return c, nil
}
