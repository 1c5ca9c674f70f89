// config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"
)

// ErrInvalid marks every configuration error. Configuration errors are fatal at startup.
var ErrInvalid = errors.New("invalid configuration")

// TangoConfig holds the thresholds of the Tango hedge / trailing-stop engine.
// Dollar amounts are in account currency.
type TangoConfig struct {
	LossTrigger     float64 `yaml:"loss_trigger" validate:"gt=0"`
	ProfitBreakeven float64 `yaml:"profit_breakeven" validate:"gt=0"`
	ProfitTrailStep float64 `yaml:"profit_trail_step" validate:"gt=0"`
	MaxPositions    int     `yaml:"max_positions" validate:"gte=1"`
	PointValue      float64 `yaml:"point_value" validate:"gt=0"`
	ContractSize    float64 `yaml:"contract_size" validate:"gt=0"`
}

// LogConfig holds the configuration for logging.
type LogConfig struct {
	LogLevel   string `yaml:"log_level"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// NormalConfig holds all general, non-strategy-specific configuration.
type NormalConfig struct {
	HTTPTimeoutSeconds       int    `yaml:"http_timeout_seconds"`
	MonitorIntervalSeconds   int    `yaml:"monitor_interval_seconds"`
	ActionTimeoutSeconds     int    `yaml:"action_timeout_seconds"`
	StaleQuoteSeconds        int    `yaml:"stale_quote_seconds"`
	HeartbeatIntervalMinutes int    `yaml:"heartbeat_interval_minutes"`
	LogDirectory             string `yaml:"log_directory"`
	StateDirectory           string `yaml:"state_directory"`
}

// JournalConfig configures the SQLite action journal. An empty path disables it.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// HTTPConfig configures the operator HTTP API. An empty listen address disables it.
type HTTPConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// StrategyConfig is a generic container for a single strategy's configuration.
type StrategyConfig struct {
	Name    string      `yaml:"name"`
	Enabled bool        `yaml:"enabled"`
	Config  interface{} `yaml:"config"`
}

// Config is the top-level configuration structure.
type Config struct {
	Symbol         string         `yaml:"symbol"`
	MagicNumber    int64          `yaml:"magic_number"`
	LotSize        float64        `yaml:"lot_size"`
	UseSimulation  bool           `yaml:"use_simulation"`
	CloseAllOnStop bool           `yaml:"close_all_on_stop"`
	MaxTotalVolume float64        `yaml:"max_total_volume"`
	Strategy       string         `yaml:"-"` // name of the enabled strategy
	Tango          *TangoConfig   `yaml:"-"`
	Normal         *NormalConfig  `yaml:"normal_config"`
	Logs           *LogConfig     `yaml:"logs"`
	Journal        *JournalConfig `yaml:"journal"`
	HTTP           *HTTPConfig    `yaml:"http"`
}

// NewConfig creates a Config with the Tango defaults. Broker-specific values
// (symbol, lot size, point value, contract size) have no defaults.
func NewConfig() *Config {
	return &Config{
		Tango: &TangoConfig{
			LossTrigger:     10,
			ProfitBreakeven: 20,
			ProfitTrailStep: 20,
			MaxPositions:    3,
		},
		Normal:  &NormalConfig{},
		Logs:    &LogConfig{},
		Journal: &JournalConfig{},
		HTTP:    &HTTPConfig{},
	}
}

// LoadConfig loads configuration from a given path, applies defaults, and validates it.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: config file not found at %s, program cannot run without a config file", ErrInvalid, path)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	cfg := NewConfig()

	var rawCfg struct {
		Symbol         string           `yaml:"symbol"`
		MagicNumber    int64            `yaml:"magic_number"`
		LotSize        float64          `yaml:"lot_size"`
		UseSimulation  bool             `yaml:"use_simulation"`
		CloseAllOnStop bool             `yaml:"close_all_on_stop"`
		MaxTotalVolume float64          `yaml:"max_total_volume"`
		Normal         *NormalConfig    `yaml:"normal_config"`
		Logs           *LogConfig       `yaml:"logs"`
		Journal        *JournalConfig   `yaml:"journal"`
		HTTP           *HTTPConfig      `yaml:"http"`
		Strategies     []StrategyConfig `yaml:"strategies"`
	}
	if err := yaml.Unmarshal(data, &rawCfg); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal yaml: %v", ErrInvalid, err)
	}

	cfg.Symbol = rawCfg.Symbol
	cfg.MagicNumber = rawCfg.MagicNumber
	cfg.LotSize = rawCfg.LotSize
	cfg.UseSimulation = rawCfg.UseSimulation
	cfg.CloseAllOnStop = rawCfg.CloseAllOnStop
	cfg.MaxTotalVolume = rawCfg.MaxTotalVolume
	if rawCfg.Normal != nil {
		cfg.Normal = rawCfg.Normal
	}
	if rawCfg.Logs != nil {
		cfg.Logs = rawCfg.Logs
	}
	if rawCfg.Journal != nil {
		cfg.Journal = rawCfg.Journal
	}
	if rawCfg.HTTP != nil {
		cfg.HTTP = rawCfg.HTTP
	}

	// Exactly one strategy runs per process; the first enabled entry wins.
	for _, s := range rawCfg.Strategies {
		if !s.Enabled {
			continue
		}
		if cfg.Strategy != "" {
			return nil, fmt.Errorf("%w: more than one strategy enabled (%s, %s)", ErrInvalid, cfg.Strategy, s.Name)
		}
		cfg.Strategy = strings.ToLower(strings.TrimSpace(s.Name))
		if cfg.Strategy != "tango" || s.Config == nil {
			continue
		}
		configBytes, err := yaml.Marshal(s.Config)
		if err != nil {
			return nil, fmt.Errorf("failed to re-marshal strategy config '%s': %w", s.Name, err)
		}
		if err := yaml.Unmarshal(configBytes, cfg.Tango); err != nil {
			return nil, fmt.Errorf("%w: failed to unmarshal tango config: %v", ErrInvalid, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides trading parameters with non-empty environment values.
func (c *Config) ApplyEnv(env *EnvConfig) error {
	if env == nil {
		return nil
	}
	if env.Symbol != "" {
		c.Symbol = env.Symbol
	}
	if env.LotSize != "" {
		v, err := strconv.ParseFloat(env.LotSize, 64)
		if err != nil {
			return fmt.Errorf("%w: LOT_SIZE %q is not a number", ErrInvalid, env.LotSize)
		}
		c.LotSize = v
	}
	if env.MagicNumber != "" {
		v, err := strconv.ParseInt(env.MagicNumber, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: MAGIC_NUMBER %q is not an integer", ErrInvalid, env.MagicNumber)
		}
		c.MagicNumber = v
	}
	return c.Validate()
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate checks the logical consistency and completeness of the entire configuration.
func (c *Config) Validate() error {
	if c.Symbol == "" {
		return invalid("critical config missing: 'symbol' must be explicitly specified")
	}
	if c.MagicNumber <= 0 {
		return invalid("critical config missing: 'magic_number' must be explicitly specified and be positive")
	}
	if c.LotSize <= 0 {
		return invalid("critical config missing: 'lot_size' must be explicitly specified and be positive")
	}
	if c.MaxTotalVolume < 0 {
		return invalid("config error: 'max_total_volume' cannot be negative")
	}
	if c.Strategy == "" {
		return invalid("critical config missing: one entry of 'strategies' must be enabled")
	}

	if c.Normal == nil {
		return invalid("critical config missing: 'normal_config' block must be provided")
	}
	if c.Normal.MonitorIntervalSeconds <= 0 {
		return invalid("critical config missing: 'normal_config.monitor_interval_seconds' must be positive")
	}
	if c.Normal.ActionTimeoutSeconds <= 0 {
		return invalid("critical config missing: 'normal_config.action_timeout_seconds' must be positive")
	}
	if c.Normal.StaleQuoteSeconds <= 0 {
		return invalid("critical config missing: 'normal_config.stale_quote_seconds' must be positive")
	}
	if c.Normal.HeartbeatIntervalMinutes <= 0 {
		return invalid("critical config missing: 'normal_config.heartbeat_interval_minutes' must be positive")
	}
	if c.Normal.HTTPTimeoutSeconds <= 0 {
		return invalid("critical config missing: 'normal_config.http_timeout_seconds' must be positive")
	}
	if c.Normal.LogDirectory == "" {
		return invalid("critical config missing: 'normal_config.log_directory' must be specified (e.g. 'logs')")
	}
	if c.Normal.StateDirectory == "" {
		return invalid("critical config missing: 'normal_config.state_directory' must be specified (e.g. 'state')")
	}

	if c.Logs == nil || c.Logs.LogLevel == "" {
		return invalid("critical config missing: 'logs.log_level' must be specified (e.g. 'info', 'debug')")
	}
	if c.Logs.MaxSizeMB <= 0 || c.Logs.MaxBackups <= 0 || c.Logs.MaxAgeDays <= 0 {
		return invalid("critical config missing: 'logs.max_size_mb', 'logs.max_backups' and 'logs.max_age_days' must be positive")
	}

	if c.Strategy == "tango" {
		if err := c.Tango.Validate(); err != nil {
			return err
		}
	}
	return nil
}

var validate = validator.New()

// Validate checks the Tango thresholds. A zero point value or contract size
// would make price/profit conversion meaningless, so neither is defaulted.
func (t *TangoConfig) Validate() error {
	if t == nil {
		return invalid("critical config missing: tango strategy config block")
	}
	if err := validate.Struct(t); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return invalid("tango.%s fails '%s=%s' (got %v)", yamlName(fe.StructField()), fe.Tag(), fe.Param(), fe.Value())
		}
		return invalid("tango: %v", err)
	}
	return nil
}

func yamlName(field string) string {
	switch field {
	case "LossTrigger":
		return "loss_trigger"
	case "ProfitBreakeven":
		return "profit_breakeven"
	case "ProfitTrailStep":
		return "profit_trail_step"
	case "MaxPositions":
		return "max_positions"
	case "PointValue":
		return "point_value"
	case "ContractSize":
		return "contract_size"
	}
	return field
}

// EnvConfig holds secrets and per-deployment overrides read from the environment.
type EnvConfig struct {
	BridgeURL        string
	BridgeKey        string
	BridgeSecret     string
	TelegramBotToken string
	TelegramChatID   string
	Symbol           string
	LotSize          string
	MagicNumber      string
}

func LoadEnvConfig() *EnvConfig {
	return &EnvConfig{
		BridgeURL:        os.Getenv("MT5_BRIDGE_URL"),
		BridgeKey:        os.Getenv("MT5_BRIDGE_KEY"),
		BridgeSecret:     os.Getenv("MT5_BRIDGE_SECRET"),
		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:   os.Getenv("TELEGRAM_CHAT_ID"),
		Symbol:           os.Getenv("SYMBOL"),
		LotSize:          os.Getenv("LOT_SIZE"),
		MagicNumber:      os.Getenv("MAGIC_NUMBER"),
	}
}
