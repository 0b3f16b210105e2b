package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "RELAY"

type Config struct {
	Mode         string        `mapstructure:"mode" validate:"oneof=debug dev release"`
	Port         int           `mapstructure:"port" validate:"min=1,max=65535"`
	LogLevel     string        `mapstructure:"log_level" validate:"oneof=trace debug info warn error"`
	Secret       string        `mapstructure:"secret" validate:"required"`
	ReadLimit    int64         `mapstructure:"read_limit" validate:"min=1024"`
	PingPeriod   time.Duration `mapstructure:"ping_period" validate:"gt=0"`
	PongWait     time.Duration `mapstructure:"pong_wait" validate:"gtfield=PingPeriod"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	SendBuffer   int           `mapstructure:"send_buffer" validate:"min=1"`

	Roster RosterConfig `mapstructure:"roster"`
	Engine EngineConfig `mapstructure:"engine"`
	Limits LimitsConfig `mapstructure:"limits"`

	v *viper.Viper
}

type RosterConfig struct {
	Sender           string   `mapstructure:"sender" validate:"required"`
	Receivers        []string `mapstructure:"receivers" validate:"min=1,dive,required"`
	DefaultMediaType string   `mapstructure:"default_media_type" validate:"required"`
}

type EngineConfig struct {
	CallTimeout   time.Duration `mapstructure:"call_timeout" validate:"gt=0"`
	InitTimeout   time.Duration `mapstructure:"init_timeout" validate:"gt=0"`
	AnnouncedIP   string        `mapstructure:"announced_ip" validate:"omitempty,ip"`
	ListenIP      string        `mapstructure:"listen_ip" validate:"omitempty,ip"`
	UDPPort       int           `mapstructure:"udp_port" validate:"min=0,max=65535"`
	UDPPortMin    uint16        `mapstructure:"udp_port_min"`
	UDPPortMax    uint16        `mapstructure:"udp_port_max" validate:"gtefield=UDPPortMin"`
	ICEServers    []string      `mapstructure:"ice_servers"`
	GatherTimeout time.Duration `mapstructure:"gather_timeout" validate:"gt=0"`
}

type LimitsConfig struct {
	MessagesPerSecond float64       `mapstructure:"messages_per_second" validate:"min=0"`
	MessageBurst      int           `mapstructure:"message_burst" validate:"min=1"`
	RegisterAttempts  int           `mapstructure:"register_attempts" validate:"min=1"`
	RegisterInterval  time.Duration `mapstructure:"register_interval" validate:"gt=0"`
}

var defaults = map[string]any{
	"mode":          "release",
	"port":          8080,
	"log_level":     "info",
	"secret":        "change-me",
	"read_limit":    65536,
	"ping_period":   "25s",
	"pong_wait":     "60s",
	"write_timeout": "5s",
	"send_buffer":   64,

	"roster.sender":             "A",
	"roster.receivers":          []string{"B", "C", "D"},
	"roster.default_media_type": "audio+video",

	"engine.call_timeout":   "10s",
	"engine.init_timeout":   "15s",
	"engine.announced_ip":   "",
	"engine.listen_ip":      "0.0.0.0",
	"engine.udp_port":       0,
	"engine.udp_port_min":   10000,
	"engine.udp_port_max":   10100,
	"engine.ice_servers":    []string{},
	"engine.gather_timeout": "5s",

	"limits.messages_per_second": 50,
	"limits.message_burst":       100,
	"limits.register_attempts":   5,
	"limits.register_interval":   "10s",
}

// Default returns the built-in configuration, ignoring files, environment and flags.
func Default() *Config {
	cfg, err := load(newViper(false), false)
	if err != nil {
		panic(fmt.Sprintf("config defaults are invalid: %v", err))
	}
	return cfg
}

// Load reads config/config.<CONFIG_ENV>.yaml (or --config), then RELAY_*
// environment variables, then command-line flags.
func Load(args []string) (*Config, error) {
	v := newViper(true)

	fs := pflag.NewFlagSet("relay", pflag.ContinueOnError)
	configFile := fs.String("config", "", "path to the YAML config file")
	fs.Int("port", v.GetInt("port"), "HTTP listen port")
	fs.String("log-level", v.GetString("log_level"), "log level (trace, debug, info, warn, error)")
	fs.String("mode", v.GetString("mode"), "gin mode (debug, dev, release)")
	fs.String("announced-ip", "", "public IP announced in ICE candidates")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}
	for key, flag := range map[string]string{
		"port":                "port",
		"log_level":           "log-level",
		"mode":                "mode",
		"engine.announced_ip": "announced-ip",
	} {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}

	fileName := *configFile
	if fileName == "" {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		fileName = fmt.Sprintf("config/config.%s.yaml", env)
	}
	v.SetConfigFile(fileName)

	logger := log.With().Str("module", "config").Str("file", fileName).Logger()
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", fileName, err)
		}
		logger.Warn().Msg("config file not found, using defaults")
	} else {
		logger.Info().Msg("config loaded")
	}

	return load(v, true)
}

func newViper(withEnv bool) *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	if withEnv {
		v.SetEnvPrefix(envPrefix)
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	return v
}

func load(v *viper.Viper, logSummary bool) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		stringToSliceHook(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.v = v
	if logSummary {
		log.Info().
			Str("module", "config").
			Str("mode", cfg.Mode).
			Int("port", cfg.Port).
			Str("sender", cfg.Roster.Sender).
			Strs("receivers", cfg.Roster.Receivers).
			Msg("config ready")
	}
	return &cfg, nil
}

// stringToSliceHook splits comma-separated strings, as they arrive from
// environment variables, into string slices. Empty input yields an empty slice.
func stringToSliceHook(sep string) mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to != reflect.TypeOf([]string{}) {
			return data, nil
		}
		raw := strings.TrimSpace(data.(string))
		if raw == "" {
			return []string{}, nil
		}
		parts := strings.Split(raw, sep)
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts, nil
	}
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// OnChange re-reads the config file whenever it changes on disk and hands the
// new values to fn. Invalid edits are logged and skipped. Only settings that
// are read at use time (the log level) take effect without a restart.
func (c *Config) OnChange(fn func(*Config)) {
	if c.v == nil || c.v.ConfigFileUsed() == "" {
		return
	}
	if _, err := os.Stat(c.v.ConfigFileUsed()); err != nil {
		return
	}
	c.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		next, err := load(c.v, false)
		logger := log.With().Str("module", "config").Str("file", e.Name).Logger()
		if err != nil {
			logger.Warn().Err(err).Msg("config reload rejected")
			return
		}
		logger.Info().Str("log_level", next.LogLevel).Msg("config reloaded")
		fn(next)
	})
	c.v.WatchConfig()
}
