package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Scalpflow ScalpflowConfig `yaml:"scalpflow"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Stream    StreamConfig    `yaml:"stream"`
	Governor  GovernorConfig  `yaml:"governor"`
	Indicator IndicatorConfig `yaml:"indicator"`
	Symbols   SymbolsConfig   `yaml:"symbols"`
	Strategy  StrategyConfig  `yaml:"strategy"`
}

type ScalpflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type MetricsConfig struct {
	CloudWatch bool   `yaml:"cloudwatch"`
	Region     string `yaml:"region"`
	Namespace  string `yaml:"namespace"`
}

type ExchangeConfig struct {
	WSURL     string `yaml:"ws_url"`
	RESTURL   string `yaml:"rest_url"`
	APIKey    string `yaml:"api_key"`
	SecretKey string `yaml:"secret_key"`
	Quote     string `yaml:"quote"`
}

type StreamConfig struct {
	Channels         []string      `yaml:"channels"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	BackoffBase      time.Duration `yaml:"backoff_base"`
	BackoffCap       time.Duration `yaml:"backoff_cap"`
	// MaxRetries < 0 means unlimited reconnect attempts.
	MaxRetries    int           `yaml:"max_retries"`
	HealthyAfter  time.Duration `yaml:"healthy_after"`
	TickBuffer    int           `yaml:"tick_buffer"`
	MessageBuffer int           `yaml:"message_buffer"`
}

type GovernorConfig struct {
	Order   BucketConfig `yaml:"order"`
	Cancel  BucketConfig `yaml:"cancel"`
	Account BucketConfig `yaml:"account"`
	Market  BucketConfig `yaml:"market"`
}

type BucketConfig struct {
	Capacity   int     `yaml:"capacity"`
	RefillRate float64 `yaml:"refill_rate"`
}

type IndicatorConfig struct {
	CandleInterval time.Duration `yaml:"candle_interval"`
	MaxCandles     int           `yaml:"max_candles"`
	EMAFast        int           `yaml:"ema_fast"`
	EMASlow        int           `yaml:"ema_slow"`
	RSIPeriod      int           `yaml:"rsi_period"`
	RSIOversold    float64       `yaml:"rsi_oversold"`
}

type SymbolsConfig struct {
	TopN                int           `yaml:"top_n"`
	EligibilityInterval time.Duration `yaml:"eligibility_interval"`
	RankingInterval     time.Duration `yaml:"ranking_interval"`
	MinStableTime       time.Duration `yaml:"min_stable_time"`
	MinQuoteVolume      float64       `yaml:"min_quote_volume"`
}

type StrategyConfig struct {
	MaxConcurrentPositions int                             `yaml:"max_concurrent_positions"`
	MaxTotalNotional       float64                         `yaml:"max_total_notional"`
	OrderRetryMax          int                             `yaml:"order_retry_max"`
	Default                SymbolStrategyConfig            `yaml:"default"`
	PerSymbol              map[string]SymbolStrategyConfig `yaml:"symbols"`
}

// SymbolStrategyConfig holds the per-symbol trading parameters. A symbol
// without an explicit entry falls back to the default block; the values
// are resolved once at position-open time and held immutable after that.
type SymbolStrategyConfig struct {
	MaxPositionNotional float64   `yaml:"max_position_notional"`
	TakeProfitPct       float64   `yaml:"take_profit_pct"`
	StopLossPct         float64   `yaml:"stop_loss_pct"`
	TrailPct            float64   `yaml:"trail_pct"`
	TrailActivationPct  float64   `yaml:"trail_activation_pct"`
	PartialExitLevels   []float64 `yaml:"partial_exit_levels"`
	PartialExitRatios   []float64 `yaml:"partial_exit_ratios"`
}

// parseDuration overwrites into when s is non-empty. yaml.v3 has no
// native time.Duration support, so duration fields arrive as strings.
func parseDuration(name, s string, into *time.Duration) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", name, s, err)
	}
	*into = d
	return nil
}

func (s *StreamConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Channels         []string `yaml:"channels"`
		HeartbeatTimeout string   `yaml:"heartbeat_timeout"`
		BackoffBase      string   `yaml:"backoff_base"`
		BackoffCap       string   `yaml:"backoff_cap"`
		MaxRetries       *int     `yaml:"max_retries"`
		HealthyAfter     string   `yaml:"healthy_after"`
		TickBuffer       *int     `yaml:"tick_buffer"`
		MessageBuffer    *int     `yaml:"message_buffer"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	if raw.Channels != nil {
		s.Channels = raw.Channels
	}
	if err := parseDuration("stream.heartbeat_timeout", raw.HeartbeatTimeout, &s.HeartbeatTimeout); err != nil {
		return err
	}
	if err := parseDuration("stream.backoff_base", raw.BackoffBase, &s.BackoffBase); err != nil {
		return err
	}
	if err := parseDuration("stream.backoff_cap", raw.BackoffCap, &s.BackoffCap); err != nil {
		return err
	}
	if err := parseDuration("stream.healthy_after", raw.HealthyAfter, &s.HealthyAfter); err != nil {
		return err
	}
	if raw.MaxRetries != nil {
		s.MaxRetries = *raw.MaxRetries
	}
	if raw.TickBuffer != nil {
		s.TickBuffer = *raw.TickBuffer
	}
	if raw.MessageBuffer != nil {
		s.MessageBuffer = *raw.MessageBuffer
	}
	return nil
}

func (i *IndicatorConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		CandleInterval string   `yaml:"candle_interval"`
		MaxCandles     *int     `yaml:"max_candles"`
		EMAFast        *int     `yaml:"ema_fast"`
		EMASlow        *int     `yaml:"ema_slow"`
		RSIPeriod      *int     `yaml:"rsi_period"`
		RSIOversold    *float64 `yaml:"rsi_oversold"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	if err := parseDuration("indicator.candle_interval", raw.CandleInterval, &i.CandleInterval); err != nil {
		return err
	}
	if raw.MaxCandles != nil {
		i.MaxCandles = *raw.MaxCandles
	}
	if raw.EMAFast != nil {
		i.EMAFast = *raw.EMAFast
	}
	if raw.EMASlow != nil {
		i.EMASlow = *raw.EMASlow
	}
	if raw.RSIPeriod != nil {
		i.RSIPeriod = *raw.RSIPeriod
	}
	if raw.RSIOversold != nil {
		i.RSIOversold = *raw.RSIOversold
	}
	return nil
}

func (s *SymbolsConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		TopN                int     `yaml:"top_n"`
		EligibilityInterval string  `yaml:"eligibility_interval"`
		RankingInterval     string  `yaml:"ranking_interval"`
		MinStableTime       string  `yaml:"min_stable_time"`
		MinQuoteVolume      float64 `yaml:"min_quote_volume"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	s.TopN = raw.TopN
	s.MinQuoteVolume = raw.MinQuoteVolume
	if err := parseDuration("symbols.eligibility_interval", raw.EligibilityInterval, &s.EligibilityInterval); err != nil {
		return err
	}
	if err := parseDuration("symbols.ranking_interval", raw.RankingInterval, &s.RankingInterval); err != nil {
		return err
	}
	return parseDuration("symbols.min_stable_time", raw.MinStableTime, &s.MinStableTime)
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Stream: StreamConfig{
			Channels:         []string{"trade"},
			HeartbeatTimeout: 30 * time.Second,
			BackoffBase:      time.Second,
			BackoffCap:       32 * time.Second,
			MaxRetries:       -1,
			HealthyAfter:     time.Minute,
			TickBuffer:       2048,
			MessageBuffer:    1024,
		},
		Indicator: IndicatorConfig{
			CandleInterval: time.Minute,
			MaxCandles:     1000,
			EMAFast:        20,
			EMASlow:        50,
			RSIPeriod:      14,
			RSIOversold:    30.0,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// API credentials come from the environment when present
	if v := os.Getenv("EXCHANGE_API_KEY"); v != "" {
		config.Exchange.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("EXCHANGE_SECRET_KEY"); v != "" {
		config.Exchange.SecretKey = strings.TrimSpace(v)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Scalpflow.Name == "" {
		return fmt.Errorf("scalpflow.name is required")
	}

	if cfg.Scalpflow.Version == "" {
		return fmt.Errorf("scalpflow.version is required")
	}

	if cfg.Stream.HeartbeatTimeout <= 0 {
		return fmt.Errorf("stream.heartbeat_timeout must be greater than 0")
	}
	if cfg.Stream.BackoffBase <= 0 {
		return fmt.Errorf("stream.backoff_base must be greater than 0")
	}
	if cfg.Stream.BackoffCap < cfg.Stream.BackoffBase {
		return fmt.Errorf("stream.backoff_cap must be >= stream.backoff_base")
	}
	if cfg.Stream.TickBuffer <= 0 {
		return fmt.Errorf("stream.tick_buffer must be greater than 0")
	}

	for name, b := range map[string]BucketConfig{
		"governor.order":   cfg.Governor.Order,
		"governor.cancel":  cfg.Governor.Cancel,
		"governor.account": cfg.Governor.Account,
		"governor.market":  cfg.Governor.Market,
	} {
		if b.Capacity <= 0 {
			return fmt.Errorf("%s.capacity must be greater than 0", name)
		}
		if b.RefillRate <= 0 {
			return fmt.Errorf("%s.refill_rate must be greater than 0", name)
		}
	}

	if cfg.Indicator.EMAFast >= cfg.Indicator.EMASlow {
		return fmt.Errorf("indicator.ema_fast must be less than indicator.ema_slow")
	}
	if cfg.Indicator.MaxCandles <= cfg.Indicator.EMASlow {
		return fmt.Errorf("indicator.max_candles must exceed the longest indicator window")
	}

	if cfg.Symbols.TopN <= 0 {
		return fmt.Errorf("symbols.top_n must be greater than 0")
	}
	if cfg.Symbols.RankingInterval <= 0 {
		return fmt.Errorf("symbols.ranking_interval must be greater than 0")
	}
	if cfg.Symbols.EligibilityInterval <= 0 {
		return fmt.Errorf("symbols.eligibility_interval must be greater than 0")
	}

	if cfg.Strategy.MaxConcurrentPositions <= 0 {
		return fmt.Errorf("strategy.max_concurrent_positions must be greater than 0")
	}
	if err := validateSymbolStrategy("strategy.default", cfg.Strategy.Default); err != nil {
		return err
	}
	for sym, sc := range cfg.Strategy.PerSymbol {
		if err := validateSymbolStrategy("strategy.symbols."+sym, sc); err != nil {
			return err
		}
	}

	return nil
}

func validateSymbolStrategy(name string, sc SymbolStrategyConfig) error {
	if len(sc.PartialExitLevels) != len(sc.PartialExitRatios) {
		return fmt.Errorf("%s: partial_exit_levels and partial_exit_ratios must have equal length", name)
	}
	var total float64
	for _, r := range sc.PartialExitRatios {
		if r <= 0 || r > 1 {
			return fmt.Errorf("%s: partial exit ratios must be in (0, 1]", name)
		}
		total += r
	}
	if len(sc.PartialExitRatios) > 0 && total > 1.0001 {
		return fmt.Errorf("%s: partial exit ratios must not sum above 1", name)
	}
	for i := 1; i < len(sc.PartialExitLevels); i++ {
		if sc.PartialExitLevels[i] <= sc.PartialExitLevels[i-1] {
			return fmt.Errorf("%s: partial exit levels must be strictly increasing", name)
		}
	}
	return nil
}

// Resolve returns the strategy parameters for a symbol, falling back to
// the default block when no per-symbol override exists.
func (s StrategyConfig) Resolve(symbol string) SymbolStrategyConfig {
	if sc, ok := s.PerSymbol[symbol]; ok {
		return sc
	}
	return s.Default
}
