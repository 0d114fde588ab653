// Package config содержит логику чтения конфигурации платформы.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"
)

// Config содержит параметры конфигурации платформы.
type Config struct {
	RunAddress      string `env:"RUN_ADDRESS"`
	DatabaseURI     string `env:"DATABASE_URI"`
	AuthSecret      string `env:"AUTH_SECRET"`
	AdminToken      string `env:"ADMIN_TOKEN"`
	WebhookSecret   string `env:"WEBHOOK_SECRET"`
	PriceAPIAddress string `env:"PRICE_API_ADDRESS"`
	PriceAPIKey     string `env:"PRICE_API_KEY"`

	SMTPAddress string `env:"SMTP_ADDRESS"`
	SMTPFrom    string `env:"SMTP_FROM"`

	MinDepositAmount        float64 `env:"MIN_DEPOSIT_AMOUNT" envDefault:"100"`
	MinWithdrawalAmount     float64 `env:"MIN_WITHDRAWAL_AMOUNT" envDefault:"50"`
	WithdrawalFeePercentage float64 `env:"WITHDRAWAL_FEE_PERCENTAGE" envDefault:"0.5"`
	ReferralBonusPercentage float64 `env:"REFERRAL_BONUS_PERCENTAGE" envDefault:"5"`
	MinCryptoConfirmations  int     `env:"MIN_CRYPTO_CONFIRMATIONS" envDefault:"3"`

	MaturityInterval time.Duration `env:"MATURITY_INTERVAL" envDefault:"1h"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Значения из окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envPriceAddress := cfg.PriceAPIAddress

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.PriceAPIAddress, "p", "", "crypto price API address")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envPriceAddress != "" {
		cfg.PriceAPIAddress = envPriceAddress
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if cfg.WithdrawalFeePercentage < 0 || cfg.ReferralBonusPercentage < 0 {
		return nil, fmt.Errorf("percentages must be non-negative")
	}

	return cfg, nil
}

// MinDeposit возвращает минимальную сумму пополнения.
func (c *Config) MinDeposit() decimal.Decimal {
	return decimal.NewFromFloat(c.MinDepositAmount)
}

// MinWithdrawal возвращает минимальную сумму вывода.
func (c *Config) MinWithdrawal() decimal.Decimal {
	return decimal.NewFromFloat(c.MinWithdrawalAmount)
}

// WithdrawalFeePct возвращает процент комиссии за вывод.
func (c *Config) WithdrawalFeePct() decimal.Decimal {
	return decimal.NewFromFloat(c.WithdrawalFeePercentage)
}

// ReferralBonusPct возвращает процент реферального бонуса.
func (c *Config) ReferralBonusPct() decimal.Decimal {
	return decimal.NewFromFloat(c.ReferralBonusPercentage)
}
