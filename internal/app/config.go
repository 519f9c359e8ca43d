package app

import (
	"fmt"
	"time"

	"github.com/pvzzle/tipledger/internal/price"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	ChangeFeedRealtime = "realtime"
	ChangeFeedPostgres = "postgres"
	ChangeFeedNone     = "none"
)

type Config struct {
	BSCRPCURL   string `env:"BSC_RPC_URL,notEmpty"`
	PostgresURL string `env:"POSTGRES_URL,notEmpty"`

	ClefURL       string `env:"CLEF_URL,notEmpty"`
	SenderAddress string `env:"SENDER_ADDRESS,notEmpty"`

	TelegramToken  string `env:"TELEGRAM_TOKEN"`
	TelegramChatID int64  `env:"TELEGRAM_CHAT_ID"`

	ChangeFeed      string `env:"CHANGE_FEED"`
	SupabaseURL     string `env:"SUPABASE_URL"`
	SupabaseAnonKey string `env:"SUPABASE_ANON_KEY"`
	RewardUserID    string `env:"REWARD_USER_ID"`

	PriceFeedURL         string        `env:"PRICE_FEED_URL"`
	PriceFeedAPIKey      string        `env:"PRICE_FEED_API_KEY"`
	PriceFeedRPS         float64       `env:"PRICE_FEED_RPS"`
	PriceRefreshInterval time.Duration `env:"PRICE_REFRESH_INTERVAL"`
	PriceFeedTimeout     time.Duration `env:"PRICE_FEED_TIMEOUT"`
	PriceMaxStale        time.Duration `env:"PRICE_MAX_STALE"`
	QuoteTimeout         time.Duration `env:"QUOTE_TIMEOUT"`

	RouterAddress     string `env:"ROUTER_ADDRESS"`
	CamlyTokenAddress string `env:"CAMLY_TOKEN_ADDRESS"`
	USDTAddress       string `env:"USDT_ADDRESS"`
	WBNBAddress       string `env:"WBNB_ADDRESS"`

	ConfirmPollInterval time.Duration `env:"CONFIRM_POLL_INTERVAL"`
	TransferWait        time.Duration `env:"TRANSFER_WAIT"`

	HTTPAddr string `env:"HTTP_ADDR"`
	LogLevel string `env:"LOG_LEVEL"`
	LogDev   bool   `env:"LOG_DEV"`
	Locale   string `env:"LOCALE"`

	SessionCacheSize int `env:"SESSION_CACHE_SIZE"`
	NotifyBuffer     int `env:"NOTIFY_BUFFER"`
}

func LoadConfig() (Config, error) {
	err := godotenv.Load()
	if err != nil {
		fmt.Println("Warning: .env file not found, relying on environment variables")
	}

	config := Config{
		ChangeFeed: ChangeFeedPostgres,

		PriceFeedURL:         "https://api.coingecko.com/api/v3",
		PriceFeedRPS:         0.5,
		PriceRefreshInterval: 2 * time.Minute,
		PriceFeedTimeout:     10 * time.Second,
		PriceMaxStale:        10 * time.Minute,
		QuoteTimeout:         5 * time.Second,

		RouterAddress: price.PancakeRouterV2,
		USDTAddress:   price.USDTAddress,
		WBNBAddress:   price.WBNBAddress,

		ConfirmPollInterval: 2 * time.Second,
		TransferWait:        60 * time.Second,

		HTTPAddr: ":8080",
		LogLevel: "info",
		Locale:   "vi",

		SessionCacheSize: 1024,
		NotifyBuffer:     4096,
	}

	if err := env.Parse(&config); err != nil {
		return Config{}, err
	}
	if err := config.validate(); err != nil {
		return Config{}, err
	}

	return config, nil
}

func (c Config) validate() error {
	switch c.ChangeFeed {
	case ChangeFeedRealtime:
		if c.SupabaseURL == "" || c.SupabaseAnonKey == "" || c.RewardUserID == "" {
			return fmt.Errorf("CHANGE_FEED=realtime needs SUPABASE_URL, SUPABASE_ANON_KEY and REWARD_USER_ID")
		}
	case ChangeFeedPostgres, ChangeFeedNone:
	default:
		return fmt.Errorf("CHANGE_FEED: unknown value %q", c.ChangeFeed)
	}
	if c.TelegramToken != "" && c.TelegramChatID == 0 {
		return fmt.Errorf("TELEGRAM_CHAT_ID is required with TELEGRAM_TOKEN")
	}
	return nil
}
