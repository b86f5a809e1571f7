/**
 * @description
 * Configuration management for the billing service. Everything comes from
 * environment variables; durations use Go duration syntax ("30s", "5m").
 */
package config

import (
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	ServerPort     string `mapstructure:"SERVER_PORT"`
	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	RedisURL       string `mapstructure:"REDIS_URL"`
	RabbitMQURL    string `mapstructure:"RABBITMQ_URL"`
	InternalAPIKey string `mapstructure:"INTERNAL_API_KEY"`

	Currency      string `mapstructure:"BILLING_CURRENCY"`
	StripeAPIKey  string `mapstructure:"STRIPE_API_KEY"`
	PaymentDriver string `mapstructure:"PAYMENT_DRIVER"` // "stripe" or "stub"

	WebhookSecret    string        `mapstructure:"WEBHOOK_SECRET"`
	WebhookTolerance time.Duration `mapstructure:"WEBHOOK_TOLERANCE"`

	ChargeTimeout time.Duration `mapstructure:"CHARGE_TIMEOUT"`
	AmountCeiling int64         `mapstructure:"CHARGE_AMOUNT_CEILING"`
	InvoiceDueIn  time.Duration `mapstructure:"INVOICE_DUE_IN"`

	RetryBase         time.Duration `mapstructure:"RETRY_BASE"`
	RetryCap          time.Duration `mapstructure:"RETRY_CAP"`
	RetryMax          int           `mapstructure:"RETRY_MAX"`
	RetryJitter       float64       `mapstructure:"RETRY_JITTER"`
	NoticeGrace       time.Duration `mapstructure:"NOTICE_GRACE"`
	PendingMinAge     time.Duration `mapstructure:"PENDING_MIN_AGE"`
	ReconcileLookback time.Duration `mapstructure:"RECONCILE_LOOKBACK"`

	DefaultPaymentMethod string `mapstructure:"DEFAULT_PAYMENT_METHOD"`

	RetryJobSchedule     string `mapstructure:"RETRY_JOB_SCHEDULE"`
	DunningJobSchedule   string `mapstructure:"DUNNING_JOB_SCHEDULE"`
	OverdueJobSchedule   string `mapstructure:"OVERDUE_JOB_SCHEDULE"`
	ReconcileJobSchedule string `mapstructure:"RECONCILE_JOB_SCHEDULE"`
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (config Config, err error) {
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("BILLING_CURRENCY", "usd")
	viper.SetDefault("PAYMENT_DRIVER", "stripe")
	viper.SetDefault("WEBHOOK_TOLERANCE", "5m")
	viper.SetDefault("CHARGE_TIMEOUT", "30s")
	viper.SetDefault("CHARGE_AMOUNT_CEILING", 100000000)
	viper.SetDefault("INVOICE_DUE_IN", "336h") // 14 days
	viper.SetDefault("RETRY_BASE", "4h")
	viper.SetDefault("RETRY_CAP", "48h")
	viper.SetDefault("RETRY_MAX", 5)
	viper.SetDefault("RETRY_JITTER", 0.2)
	viper.SetDefault("NOTICE_GRACE", "168h") // 7 days
	viper.SetDefault("PENDING_MIN_AGE", "15m")
	viper.SetDefault("RECONCILE_LOOKBACK", "24h")
	viper.SetDefault("DEFAULT_PAYMENT_METHOD", "default")
	viper.SetDefault("RETRY_JOB_SCHEDULE", "*/5 * * * *")
	viper.SetDefault("DUNNING_JOB_SCHEDULE", "15 * * * *")
	viper.SetDefault("OVERDUE_JOB_SCHEDULE", "0 * * * *")
	viper.SetDefault("RECONCILE_JOB_SCHEDULE", "30 2 * * *")
	viper.AutomaticEnv()

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY")
	_ = viper.BindEnv("BILLING_CURRENCY")
	_ = viper.BindEnv("STRIPE_API_KEY")
	_ = viper.BindEnv("PAYMENT_DRIVER")
	_ = viper.BindEnv("WEBHOOK_SECRET")
	_ = viper.BindEnv("WEBHOOK_TOLERANCE")
	_ = viper.BindEnv("CHARGE_TIMEOUT")
	_ = viper.BindEnv("CHARGE_AMOUNT_CEILING")
	_ = viper.BindEnv("INVOICE_DUE_IN")
	_ = viper.BindEnv("RETRY_BASE")
	_ = viper.BindEnv("RETRY_CAP")
	_ = viper.BindEnv("RETRY_MAX")
	_ = viper.BindEnv("RETRY_JITTER")
	_ = viper.BindEnv("NOTICE_GRACE")
	_ = viper.BindEnv("PENDING_MIN_AGE")
	_ = viper.BindEnv("RECONCILE_LOOKBACK")
	_ = viper.BindEnv("DEFAULT_PAYMENT_METHOD")
	_ = viper.BindEnv("RETRY_JOB_SCHEDULE")
	_ = viper.BindEnv("DUNNING_JOB_SCHEDULE")
	_ = viper.BindEnv("OVERDUE_JOB_SCHEDULE")
	_ = viper.BindEnv("RECONCILE_JOB_SCHEDULE")

	err = viper.Unmarshal(&config)
	if port := os.Getenv("PORT"); port != "" {
		config.ServerPort = port
	}
	return
}
