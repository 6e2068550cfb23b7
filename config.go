package main

import (
	"crypto/rand"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	envPrefix     = "ZAPGATE"
	pathSeparator = string(os.PathSeparator)
)

type Config struct {
	Listen       string
	DataDir      string `yaml:"data-dir"`
	LogLevel     string `yaml:"log-level"`
	Payment      PaymentSettings
	Nostr        NostrConfig
	Verification VerificationConfig
	Lightning    LightningConfig
	Attempts     AttemptsConfig
	Lnd          LndConfig
	QrThumbnail  string `yaml:"qr-thumbnail"`
}

func (config *Config) cookieKey() []byte {
	cookieKeyFileName := config.DataDir + ".cookie"
	cookieKey, err := os.ReadFile(cookieKeyFileName)
	if err == nil {
		return cookieKey
	}

	cookieKey = make([]byte, 32)
	if _, err := rand.Read(cookieKey); err != nil {
		log.Fatal(err)
	}
	if err := os.WriteFile(cookieKeyFileName, cookieKey, 0400); err != nil {
		log.Fatal(err)
	}

	return cookieKey
}

// PaymentSettings is the raw, possibly incomplete payment configuration.
type PaymentSettings struct {
	Disabled         bool
	LightningAddress string `yaml:"lightning-address"`
	FeeSats          int64  `yaml:"fee-sats"`
	Comment          string
}

type PaymentConfig struct {
	LightningAddress string
	FeeAmountSats    int64
	Comment          string
}

func (config *PaymentConfig) amountMsats() int64 {
	return msats(config.FeeAmountSats)
}

// resolve returns nil when no payment is required.
func (settings PaymentSettings) resolve() *PaymentConfig {
	lightningAddress := strings.TrimSpace(settings.LightningAddress)
	if settings.Disabled || lightningAddress == "" || settings.FeeSats <= 0 {
		return nil
	}

	return &PaymentConfig{
		LightningAddress: lightningAddress,
		FeeAmountSats:    settings.FeeSats,
		Comment:          settings.Comment,
	}
}

func (settings PaymentSettings) isPaymentRequired() bool {
	return settings.resolve() != nil
}

type AttemptsConfig struct {
	CacheSize uint16        `yaml:"cache-size"`
	Expiry    time.Duration `yaml:"expiry"`
}

func msats[T int | uint32 | int64](sats T) int64 {
	return int64(sats) * 1000
}

func loadConfig(configFileName string) *Config {
	config := defaultConfig()

	configData, err := os.ReadFile(configFileName)
	if err != nil && !os.IsNotExist(err) {
		log.Fatal(err)
	}
	if err := yaml.Unmarshal(configData, config); err != nil {
		log.Fatal(err)
	}

	applyEnvironment(config, viper.New())

	if !strings.HasSuffix(config.DataDir, pathSeparator) {
		config.DataDir += pathSeparator
	}

	validateNostr(config)
	validateVerification(config)
	validateAttempts(config)

	return config
}

func defaultConfig() *Config {
	return &Config{
		Listen:   "127.0.0.1:8089",
		DataDir:  "/var/lib/zapgate",
		LogLevel: "info",
		Payment: PaymentSettings{
			Comment: "App submission fee",
		},
		Verification: VerificationConfig{
			SettleDelay:    5 * time.Second,
			PollInterval:   5 * time.Second,
			RelayTimeout:   10 * time.Second,
			InvoiceTimeout: 5 * time.Minute,
			Lookback:       10 * time.Minute,
			FallbackRelays: []string{"wss://relay.damus.io", "wss://nos.lol", "wss://relay.nostr.band"},
		},
		Lightning: LightningConfig{
			Timeout: 10 * time.Second,
		},
		Attempts: AttemptsConfig{
			CacheSize: 256,
			Expiry:    15 * time.Minute,
		},
	}
}

// applyEnvironment lets ZAPGATE_* variables override the config file.
func applyEnvironment(config *Config, env *viper.Viper) {
	env.SetEnvPrefix(envPrefix)
	env.AutomaticEnv()

	if env.IsSet("PAYMENT_DISABLED") {
		config.Payment.Disabled = env.GetBool("PAYMENT_DISABLED")
	}
	if env.IsSet("LIGHTNING_ADDRESS") {
		config.Payment.LightningAddress = env.GetString("LIGHTNING_ADDRESS")
	}
	if env.IsSet("FEE_SATS") {
		config.Payment.FeeSats = env.GetInt64("FEE_SATS")
	}
	if env.IsSet("RELAYS") {
		config.Nostr.Relays = splitList(env.GetString("RELAYS"))
	}
}

func splitList(value string) []string {
	var values []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			values = append(values, item)
		}
	}

	return values
}

func validateNostr(config *Config) {
	if len(config.Nostr.Relays) == 0 {
		log.Fatal("Nostr relays missing")
	}
	for _, relay := range config.Nostr.Relays {
		if !strings.HasPrefix(relay, "wss://") && !strings.HasPrefix(relay, "ws://") {
			logInvalidValue("nostr.relays", relay)
		}
	}
}

func validateVerification(config *Config) {
	verification := config.Verification
	if verification.PollInterval < 1*time.Second {
		logInvalidValue("verification.poll-interval", verification.PollInterval)
	}
	if verification.RelayTimeout < 1*time.Second {
		logInvalidValue("verification.relay-timeout", verification.RelayTimeout)
	}
	if verification.InvoiceTimeout <= verification.SettleDelay {
		logInvalidValue("verification.invoice-timeout", verification.InvoiceTimeout)
	}
	if verification.Lookback < verification.InvoiceTimeout {
		logInvalidValue("verification.lookback", verification.Lookback)
	}
}

func validateAttempts(config *Config) {
	if config.Attempts.CacheSize < 1 {
		logInvalidValue("attempts.cache-size", config.Attempts.CacheSize)
	}
	if config.Attempts.Expiry < config.Verification.InvoiceTimeout {
		logInvalidValue("attempts.expiry", config.Attempts.Expiry)
	}
}

func logInvalidValue(property string, value any) {
	log.Fatal("Invalid config value ", property, ": ", value)
}
