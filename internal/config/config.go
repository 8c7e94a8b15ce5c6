package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"transferWatch/internal/units"
)

const (
	DefaultSender    = "0x711481A95508Cf21d3f5F94d95aD8145076cbFff"
	DefaultRecipient = "0x3328F7f4A1D1C57c35df56bBf0c9dCAFCA309C49"

	envPrefix = "WATCHER"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	WSURL           string
	RPCURL          string
	InfuraProjectID string

	Sender    string
	Recipient string
	MinAmount string

	TelegramToken  string
	TelegramChatID string
	TelegramAPIURL string
	WebhookURL     string
	NotifyTimeout  time.Duration

	KeepAliveInterval time.Duration
	RetryDelay        time.Duration
	SubscribeTimeout  time.Duration

	FetchRetries int
	FetchBackoff time.Duration
	RPCRPS       float64
	RPCBurst     int

	TokenSymbols bool
	MetricsAddr  string
	JournalPath  string
	PGDSN        string

	LogLevel string
	LogFile  string
}

// legacyEnv maps keys to the unprefixed variable names older deployments use.
var legacyEnv = map[string]string{
	"telegram-token":    "TELEGRAM_BOT_TOKEN",
	"telegram-chat-id":  "TELEGRAM_CHAT_ID",
	"infura-project-id": "INFURA_PROJECT_ID",
}

// LoadDotEnv exports variables from a dotenv file. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for key, legacy := range legacyEnv {
		prefixed := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	v.SetDefault("sender", DefaultSender)
	v.SetDefault("recipient", DefaultRecipient)
	v.SetDefault("min-amount", "0.01")
	v.SetDefault("telegram-api-url", "https://api.telegram.org")
	v.SetDefault("notify-timeout", 10*time.Second)
	v.SetDefault("keepalive-interval", 30*time.Second)
	v.SetDefault("retry-delay", 5*time.Second)
	v.SetDefault("subscribe-timeout", 10*time.Second)
	v.SetDefault("fetch-retries", 2)
	v.SetDefault("fetch-backoff", 500*time.Millisecond)
	v.SetDefault("rpc-rps", 10.0)
	v.SetDefault("rpc-burst", 5)
	v.SetDefault("token-symbols", false)
	v.SetDefault("log-level", "info")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		WSURL:             strings.TrimSpace(v.GetString("ws-url")),
		RPCURL:            strings.TrimSpace(v.GetString("rpc-url")),
		InfuraProjectID:   strings.TrimSpace(v.GetString("infura-project-id")),
		Sender:            strings.TrimSpace(v.GetString("sender")),
		Recipient:         strings.TrimSpace(v.GetString("recipient")),
		MinAmount:         strings.TrimSpace(v.GetString("min-amount")),
		TelegramToken:     strings.TrimSpace(v.GetString("telegram-token")),
		TelegramChatID:    strings.TrimSpace(v.GetString("telegram-chat-id")),
		TelegramAPIURL:    strings.TrimSpace(v.GetString("telegram-api-url")),
		WebhookURL:        strings.TrimSpace(v.GetString("webhook-url")),
		NotifyTimeout:     v.GetDuration("notify-timeout"),
		KeepAliveInterval: v.GetDuration("keepalive-interval"),
		RetryDelay:        v.GetDuration("retry-delay"),
		SubscribeTimeout:  v.GetDuration("subscribe-timeout"),
		FetchRetries:      v.GetInt("fetch-retries"),
		FetchBackoff:      v.GetDuration("fetch-backoff"),
		RPCRPS:            v.GetFloat64("rpc-rps"),
		RPCBurst:          v.GetInt("rpc-burst"),
		TokenSymbols:      v.GetBool("token-symbols"),
		MetricsAddr:       strings.TrimSpace(v.GetString("metrics-addr")),
		JournalPath:       strings.TrimSpace(v.GetString("journal-path")),
		PGDSN:             strings.TrimSpace(v.GetString("pg-dsn")),
		LogLevel:          v.GetString("log-level"),
		LogFile:           strings.TrimSpace(v.GetString("log-file")),
	}

	if cfg.InfuraProjectID != "" {
		if cfg.WSURL == "" {
			cfg.WSURL = "wss://mainnet.infura.io/ws/v3/" + cfg.InfuraProjectID
		}
		if cfg.RPCURL == "" {
			cfg.RPCURL = "https://mainnet.infura.io/v3/" + cfg.InfuraProjectID
		}
	}

	return cfg, nil
}

// Validate reports every problem that would stop the watcher from starting.
func (c Config) Validate() error {
	var errs []error

	if c.WSURL == "" {
		errs = append(errs, errors.New("ws url is required (or infura project id)"))
	}
	if c.RPCURL == "" {
		errs = append(errs, errors.New("rpc url is required (or infura project id)"))
	}
	if _, err := parseAddress("sender", c.Sender); err != nil {
		errs = append(errs, err)
	}
	if _, err := parseAddress("recipient", c.Recipient); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Minimum(); err != nil {
		errs = append(errs, err)
	}

	telegram := c.TelegramToken != "" || c.TelegramChatID != ""
	if telegram && (c.TelegramToken == "" || c.TelegramChatID == "") {
		errs = append(errs, errors.New("telegram needs both token and chat id"))
	}
	if !c.TelegramEnabled() && c.WebhookURL == "" {
		errs = append(errs, errors.New("no notifier configured: set telegram token and chat id or webhook url"))
	}

	for name, d := range map[string]time.Duration{
		"keepalive-interval": c.KeepAliveInterval,
		"retry-delay":        c.RetryDelay,
		"subscribe-timeout":  c.SubscribeTimeout,
		"notify-timeout":     c.NotifyTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.FetchRetries < 0 {
		errs = append(errs, errors.New("fetch-retries must not be negative"))
	}
	if c.RPCRPS < 0 {
		errs = append(errs, errors.New("rpc-rps must not be negative"))
	}

	return errors.Join(errs...)
}

// TelegramEnabled reports whether both Telegram credentials are set.
func (c Config) TelegramEnabled() bool {
	return c.TelegramToken != "" && c.TelegramChatID != ""
}

func (c Config) SenderAddress() (common.Address, error) {
	return parseAddress("sender", c.Sender)
}

func (c Config) RecipientAddress() (common.Address, error) {
	return parseAddress("recipient", c.Recipient)
}

// Minimum parses MinAmount as a non-negative display-unit decimal.
func (c Config) Minimum() (decimal.Decimal, error) {
	min, err := units.ParseDisplay(c.MinAmount)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid min-amount %q: %w", c.MinAmount, err)
	}
	if min.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("min-amount must not be negative: %s", c.MinAmount)
	}
	return min, nil
}

func parseAddress(name, input string) (common.Address, error) {
	input = strings.TrimSpace(input)
	if !common.IsHexAddress(input) {
		return common.Address{}, fmt.Errorf("invalid %s address: %q", name, input)
	}
	return common.HexToAddress(input), nil
}
