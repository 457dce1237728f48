package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type GlobalFlags struct {
	ConfigPath     string
	JSON           bool
	Plain          bool
	Select         string
	ResultsOnly    bool
	EnableCommands string
	StatePath      string
	LogLevel       string
	EventsOut      string
	PostgresDSN    string
	MetricsOut     string
}

type Settings struct {
	OutputMode     string
	SelectFields   []string
	ResultsOnly    bool
	EnableCommands []string
	StatePath      string
	StateLockPath  string
	LogLevel       string
	EventsOut      string
	PostgresDSN    string
	MetricsOut     string
}

type fileConfig struct {
	Output   string `yaml:"output"`
	LogLevel string `yaml:"log_level"`
	State    struct {
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"state"`
	Events struct {
		JSONL          string `yaml:"jsonl"`
		PostgresDSN    string `yaml:"postgres_dsn"`
		PostgresDSNEnv string `yaml:"postgres_dsn_env"`
	} `yaml:"events"`
	Metrics struct {
		Textfile string `yaml:"textfile"`
	} `yaml:"metrics"`
}

func Load(flags GlobalFlags) (Settings, error) {
	settings, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}

	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Settings{}, err
	}

	if err := applyFileConfig(cfgPath, &settings); err != nil {
		return Settings{}, err
	}

	applyEnv(&settings)

	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}

	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	if settings.LogLevel == "" {
		settings.LogLevel = "warn"
	}
	if settings.StateLockPath == "" {
		settings.StateLockPath = lockPathFor(settings.StatePath)
	}

	return settings, nil
}

func defaultSettings() (Settings, error) {
	base := os.Getenv("XDG_STATE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Settings{}, err
		}
		base = filepath.Join(home, ".local", "state")
	}
	dir := filepath.Join(base, "comboproxy")
	return Settings{
		OutputMode: "json",
		LogLevel:   "warn",
		StatePath:  filepath.Join(dir, "world.db"),
	}, nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "comboproxy", "config.yaml"), nil
}

// lockPathFor derives the flock file that guards a state database.
func lockPathFor(statePath string) string {
	return strings.TrimSuffix(statePath, filepath.Ext(statePath)) + ".lock"
}

func applyFileConfig(path string, settings *Settings) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	if cfg.Output != "" {
		settings.OutputMode = strings.ToLower(cfg.Output)
	}
	if cfg.LogLevel != "" {
		settings.LogLevel = strings.ToLower(cfg.LogLevel)
	}
	if cfg.State.Path != "" {
		settings.StatePath = cfg.State.Path
	}
	if cfg.State.LockPath != "" {
		settings.StateLockPath = cfg.State.LockPath
	}
	if cfg.Events.JSONL != "" {
		settings.EventsOut = cfg.Events.JSONL
	}
	if cfg.Events.PostgresDSN != "" {
		settings.PostgresDSN = cfg.Events.PostgresDSN
	}
	if cfg.Events.PostgresDSNEnv != "" {
		settings.PostgresDSN = os.Getenv(cfg.Events.PostgresDSNEnv)
	}
	if cfg.Metrics.Textfile != "" {
		settings.MetricsOut = cfg.Metrics.Textfile
	}
	return nil
}

func applyEnv(settings *Settings) {
	if v := os.Getenv("COMBO_OUTPUT"); v != "" {
		settings.OutputMode = strings.ToLower(v)
	}
	if v := os.Getenv("COMBO_LOG_LEVEL"); v != "" {
		settings.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("COMBO_STATE_PATH"); v != "" {
		settings.StatePath = v
	}
	if v := os.Getenv("COMBO_STATE_LOCK_PATH"); v != "" {
		settings.StateLockPath = v
	}
	if v := os.Getenv("COMBO_EVENTS_OUT"); v != "" {
		settings.EventsOut = v
	}
	if v := os.Getenv("COMBO_PG_DSN"); v != "" {
		settings.PostgresDSN = v
	}
	if v := os.Getenv("COMBO_METRICS_OUT"); v != "" {
		settings.MetricsOut = v
	}
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	if flags.JSON && flags.Plain {
		return fmt.Errorf("cannot use --json and --plain together")
	}
	if flags.JSON {
		settings.OutputMode = "json"
	}
	if flags.Plain {
		settings.OutputMode = "plain"
	}
	if strings.TrimSpace(flags.Select) != "" {
		settings.SelectFields = splitCSV(flags.Select)
	}
	settings.ResultsOnly = flags.ResultsOnly

	if strings.TrimSpace(flags.EnableCommands) != "" {
		settings.EnableCommands = splitCSV(flags.EnableCommands)
	}
	if flags.StatePath != "" {
		settings.StatePath = flags.StatePath
		settings.StateLockPath = ""
	}
	if flags.LogLevel != "" {
		settings.LogLevel = strings.ToLower(flags.LogLevel)
	}
	if flags.EventsOut != "" {
		settings.EventsOut = flags.EventsOut
	}
	if flags.PostgresDSN != "" {
		settings.PostgresDSN = flags.PostgresDSN
	}
	if flags.MetricsOut != "" {
		settings.MetricsOut = flags.MetricsOut
	}

	if settings.OutputMode != "json" && settings.OutputMode != "plain" {
		return fmt.Errorf("output must be json or plain")
	}
	switch settings.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level must be debug, info, warn or error")
	}
	return nil
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
