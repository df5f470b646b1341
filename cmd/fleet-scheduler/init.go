package main

import (
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/determined-ai/fleetsched/internal/config"
	"github.com/determined-ai/fleetsched/pkg/logger"
	"github.com/determined-ai/fleetsched/version"
)

var v *viper.Viper

// viperKeyDelimiter marks nested values in the configuration. It is ".." rather than "." so
// that keys may contain dots.
const viperKeyDelimiter = ".."

//nolint:gochecknoinit
func init() {
	// The version of rootCmd is set in init() rather than when `rootCmd` is initialized,
	// because link-time variable assignments are not applied when package-scoped variables
	// are initialized.
	rootCmd.Version = version.Version
	rootCmd.AddCommand(lambdaCmd, newRunCmd())
	registerConfig(rootCmd.PersistentFlags())
}

type configKey []string

func (c configKey) EnvName() string {
	return "FLEETSCHED_" + strings.ReplaceAll(strings.ToUpper(c.FlagName()), "-", "_")
}

func (c configKey) AccessPath() string {
	return strings.ReplaceAll(strings.Join(c, viperKeyDelimiter), "-", "_")
}

func (c configKey) FlagName() string {
	return strings.Join(c, "-")
}

func bind(flags *pflag.FlagSet, name configKey, value interface{}, extraEnv ...string) {
	_ = v.BindEnv(append([]string{name.AccessPath(), name.EnvName()}, extraEnv...)...)
	_ = v.BindPFlag(name.AccessPath(), flags.Lookup(name.FlagName()))
	v.SetDefault(name.AccessPath(), value)
}

func registerString(
	flags *pflag.FlagSet, name configKey, value string, usage string, extraEnv ...string,
) {
	flags.String(name.FlagName(), value, usage)
	bind(flags, name, value, extraEnv...)
}

func registerBool(flags *pflag.FlagSet, name configKey, value bool, usage string) {
	flags.Bool(name.FlagName(), value, usage)
	bind(flags, name, value)
}

func registerInt(flags *pflag.FlagSet, name configKey, value int, usage string) {
	flags.Int(name.FlagName(), value, usage)
	bind(flags, name, value)
}

func registerFloat64(flags *pflag.FlagSet, name configKey, value float64, usage string) {
	flags.Float64(name.FlagName(), value, usage)
	bind(flags, name, value)
}

func registerConfig(flags *pflag.FlagSet) {
	v = viper.NewWithOptions(viper.KeyDelimiter(viperKeyDelimiter))
	v.SetTypeByDefaultValue(true)

	defaults := config.DefaultConfig()
	if os.Getenv(lambdaRuntimeEnv) != "" {
		// CloudWatch Logs Insights discovers fields in JSON lines.
		defaults.Log.Format = logger.JSONFormat
		defaults.Log.Color = false
	}

	// Register flags and environment variables, and set default values for the flags.
	name := func(components ...string) configKey { return components }

	registerString(flags, name("config-file"),
		defaults.ConfigFile, "location of config file")

	registerString(flags, name("log", "level"),
		defaults.Log.Level, "choose logging level from [trace, debug, info, warn, error, fatal]")
	registerBool(flags, name("log", "color"),
		defaults.Log.Color, "output logs in color")
	registerString(flags, name("log", "format"),
		defaults.Log.Format, "log output format, text or json")

	registerString(flags, name("region"),
		defaults.Region, "region to act on when an invocation does not name one", "AWS_REGION")

	registerString(flags, name("defaults", "tag-name"),
		defaults.Defaults.TagName, "tag key used when an invocation does not name one")
	registerString(flags, name("defaults", "tag-values"),
		defaults.Defaults.TagValues, "JSON list of tag values used when an invocation has none")

	registerInt(flags, name("concurrency"),
		defaults.Concurrency, "transition commands in flight at once")
	registerBool(flags, name("dry-run"),
		defaults.DryRun, "ask EC2 to check permissions without stopping or starting anything")
	registerBool(flags, name("strict-payload"),
		defaults.StrictPayload, "reject invocation payloads with unrecognized fields")

	registerString(flags, name("aws", "endpoint"),
		defaults.AWS.Endpoint, "override the EC2 endpoint URL")
	registerInt(flags, name("aws", "max-retries"),
		defaults.AWS.MaxRetries, "SDK retries per EC2 call")
	registerFloat64(flags, name("aws", "api-rate-limit"),
		defaults.AWS.APIRateLimit, "EC2 calls per second, 0 for unlimited")
	registerInt(flags, name("aws", "api-burst"),
		defaults.AWS.APIBurst, "EC2 calls allowed in a burst")
	registerBool(flags, name("aws", "detect-region"),
		defaults.AWS.DetectRegion, "read the region from EC2 instance metadata if none is set")

	registerString(flags, name("metrics", "pushgateway-url"),
		defaults.Metrics.PushgatewayURL, "Prometheus Pushgateway to push run metrics to")
	registerString(flags, name("metrics", "job"),
		defaults.Metrics.Job, "Pushgateway job name")
}
