package cfg

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"car-forecast/internal/common"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

type Settings struct {
	ModelBackend         string
	ModelPath            string
	PreprocessorPath     string
	MetricsPath          string
	PythonPath           string
	PythonStartupTimeout time.Duration
	DataPath             string
	HTTPPort             int
	HTTPTimeout          time.Duration
	LogLevel             string
}

type ConfigFile struct {
	Model struct {
		Backend          string `yaml:"backend"`
		ModelPath        string `yaml:"modelPath"`
		PreprocessorPath string `yaml:"preprocessorPath"`
		MetricsPath      string `yaml:"metricsPath"`
	} `yaml:"model"`

	Python struct {
		Path           string `yaml:"path"`
		StartupTimeout string `yaml:"startupTimeout"`
	} `yaml:"python"`

	Server struct {
		Port    int    `yaml:"port"`
		Timeout string `yaml:"timeout"`
	} `yaml:"server"`

	System struct {
		DataPath string `yaml:"dataPath"`
		LogLevel string `yaml:"logLevel"`
	} `yaml:"system"`
}

// Load reads an optional .env file, then the YAML file named by CONFIG_FILE
// if set, then environment overrides.
func Load() (Settings, error) {
	return LoadFile(os.Getenv(common.EnvConfigFile))
}

// LoadFile is Load with an explicit YAML path. An empty path skips the file.
func LoadFile(configPath string) (Settings, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Settings{}, fmt.Errorf("failed to load .env: %w", err)
	}

	var config ConfigFile
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return Settings{}, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return Settings{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	backend := getEnvOrDefault(common.EnvModelBackend, orDefault(config.Model.Backend, common.DefaultModelBackend))
	defaultModel, defaultPreproc := common.DefaultNativeModel, common.DefaultNativePreproc
	if backend == common.BackendPython {
		defaultModel, defaultPreproc = common.DefaultPythonModel, common.DefaultPythonPreproc
	}

	startup, err := parseDuration(config.Python.StartupTimeout, common.DefaultPythonStartupSec*time.Second)
	if err != nil {
		return Settings{}, fmt.Errorf("python.startupTimeout: %w", err)
	}
	timeout, err := parseDuration(config.Server.Timeout, common.DefaultHTTPTimeoutSecs*time.Second)
	if err != nil {
		return Settings{}, fmt.Errorf("server.timeout: %w", err)
	}

	settings := Settings{
		ModelBackend:         backend,
		ModelPath:            getEnvOrDefault(common.EnvModelPath, orDefault(config.Model.ModelPath, defaultModel)),
		PreprocessorPath:     getEnvOrDefault(common.EnvPreprocessorPath, orDefault(config.Model.PreprocessorPath, defaultPreproc)),
		MetricsPath:          getEnvOrDefault(common.EnvMetricsPath, orDefault(config.Model.MetricsPath, common.DefaultMetricsPath)),
		PythonPath:           getEnvOrDefault(common.EnvPythonPath, config.Python.Path),
		PythonStartupTimeout: getDurationOrDefault(common.EnvPythonStartupTimeout, startup),
		DataPath:             getEnvOrDefault(common.EnvDataPath, config.System.DataPath), // optional
		HTTPPort:             getIntFromEnvOrConfig(common.EnvHTTPPort, config.Server.Port, common.DefaultHTTPPort),
		HTTPTimeout:          getDurationOrDefault(common.EnvHTTPTimeout, timeout),
		LogLevel:             getEnvOrDefault(common.EnvLogLevel, orDefault(config.System.LogLevel, common.DefaultLogLevel)),
	}

	// Validate configuration
	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

func orDefault(v, defaultValue string) string {
	if v != "" {
		return v
	}
	return defaultValue
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// parseDuration accepts Go durations ("90s") and bare seconds ("90").
func parseDuration(v string, defaultValue time.Duration) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return defaultValue, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(v)
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := parseDuration(v, defaultValue); err == nil {
			return d
		}
	}
	return defaultValue
}

func getIntFromEnvOrConfig(key string, configValue, defaultValue int) int {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.Atoi(env); err == nil {
			return val
		}
	}
	if configValue != 0 {
		return configValue
	}
	return defaultValue
}

// validateSettings performs comprehensive validation of configuration values
func validateSettings(settings *Settings) error {
	switch settings.ModelBackend {
	case common.BackendNative, common.BackendPython:
	default:
		return fmt.Errorf("model backend must be %q or %q, got %q", common.BackendNative, common.BackendPython, settings.ModelBackend)
	}

	// Validate artifact paths
	if settings.ModelPath == "" {
		return fmt.Errorf("model path cannot be empty")
	}
	if settings.PreprocessorPath == "" {
		return fmt.Errorf("preprocessor path cannot be empty")
	}
	if settings.MetricsPath == "" {
		return fmt.Errorf("metrics path cannot be empty")
	}

	// Validate time durations
	if settings.HTTPTimeout < time.Second || settings.HTTPTimeout > 10*time.Minute {
		return fmt.Errorf("HTTP timeout must be between 1s and 10m, got %v", settings.HTTPTimeout)
	}
	if settings.PythonStartupTimeout < time.Second || settings.PythonStartupTimeout > 30*time.Minute {
		return fmt.Errorf("python startup timeout must be between 1s and 30m, got %v", settings.PythonStartupTimeout)
	}

	if settings.HTTPPort < common.MinHTTPPort || settings.HTTPPort > common.MaxHTTPPort {
		return fmt.Errorf("HTTP port must be between %d and %d, got %d", common.MinHTTPPort, common.MaxHTTPPort, settings.HTTPPort)
	}

	if _, err := zerolog.ParseLevel(strings.ToLower(settings.LogLevel)); err != nil {
		return fmt.Errorf("invalid log level %q", settings.LogLevel)
	}

	return nil
}
