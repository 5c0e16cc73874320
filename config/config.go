package config

import (
	"os"
	"strconv"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type AppConfig struct {
	DatabaseURL        string
	RabbitMQURL        string
	RedisSentinelHosts string
	RedisMasterName    string
	RedisUrl           string
	LogLevel           string
	ServiceName        string
	MetricsAddr        string
	TelemetryEnabled   bool

	ExperimentConfigPath string
	Experiment           *ExperimentConfig
}

// Options are the command line flags shared by every binary.
type Options struct {
	Config  string `short:"c" long:"config" description:"path to the experiment YAML file" env:"EXPERIMENT_CONFIG"`
	EnvFile string `long:"env-file" description:"optional .env file to load before reading the environment"`
}

func parseOptions(logger *zap.Logger) Options {
	var opts Options
	parser := flags.NewParser(&opts, flags.Default|flags.IgnoreUnknown)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		logger.Fatal("failed to parse command line", zap.Error(err))
	}
	if opts.Config == "" {
		opts.Config = "experiment.yaml"
	}
	return opts
}

func LoadConfig() *AppConfig {
	// use a temporary logger for now
	logger := zap.NewExample().Named("config")

	opts := parseOptions(logger)
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil {
			logger.Fatal("failed to load env file", zap.String("path", opts.EnvFile), zap.Error(err))
		}
	} else {
		godotenv.Load()
	}

	config := &AppConfig{
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RabbitMQURL:          os.Getenv("RABBITMQ_URL"),
		RedisSentinelHosts:   os.Getenv("REDIS_SENTINEL_HOSTS"),
		RedisMasterName:      os.Getenv("REDIS_MASTER"),
		RedisUrl:             os.Getenv("REDIS_URL"),
		LogLevel:             os.Getenv("LOG_LEVEL"),
		ServiceName:          os.Getenv("SERVICE_NAME"),
		MetricsAddr:          os.Getenv("METRICS_ADDR"),
		TelemetryEnabled:     parseBool(os.Getenv("TELEMETRY_ENABLED"), false),
		ExperimentConfigPath: opts.Config,
	}

	if config.LogLevel == "" {
		config.LogLevel = "info" // Set default log level
	}
	if config.ServiceName == "" {
		config.ServiceName = "b3bench"
	}
	if config.MetricsAddr == "" {
		config.MetricsAddr = ":9090"
	}

	if config.DatabaseURL == "" {
		logger.Fatal("DATABASE_URL environment variable is required")
	}
	if config.RedisSentinelHosts != "" && config.RedisMasterName == "" {
		logger.Fatal("REDIS_MASTER environment variable is required when REDIS_SENTINEL_HOSTS is set")
	}

	experiment, err := LoadExperimentConfig(config.ExperimentConfigPath)
	if err != nil {
		logger.Fatal("invalid experiment config",
			zap.String("path", config.ExperimentConfigPath),
			zap.Error(err))
	}
	if err := ApplyEnvOverrides(experiment, os.Getenv); err != nil {
		logger.Fatal("invalid experiment override", zap.Error(err))
	}
	config.Experiment = experiment

	return config
}

// ApplyEnvOverrides applies the knobs that are commonly tuned per host
// without editing the experiment file, then validates the result again.
func ApplyEnvOverrides(experiment *ExperimentConfig, getenv func(string) string) error {
	experiment.Measure.Workers = parseInt(getenv("MEASURE_WORKERS"), experiment.Measure.Workers)
	experiment.Measure.Interval = parseDuration(getenv("MEASURE_INTERVAL"), experiment.Measure.Interval)
	experiment.Build.Concurrency = parseInt(getenv("BUILD_CONCURRENCY"), experiment.Build.Concurrency)
	return experiment.Validate()
}

// RedisEnabled reports whether a redis endpoint is configured.
func (c *AppConfig) RedisEnabled() bool {
	return c.RedisUrl != "" || c.RedisSentinelHosts != ""
}

func parseDuration(val string, defaultVal time.Duration) time.Duration {
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}
	return d
}

func parseInt(val string, defaultVal int) int {
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return i
}

func parseBool(val string, defaultVal bool) bool {
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}
	return b
}
