/**
 * @description
 * This package handles the configuration management for the subscription-service
 * and the scheduler-service. It uses the Viper library to read configuration from
 * environment variables and an optional .env file.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 * - github.com/shopspring/decimal (via domain): naira plan prices are converted to kobo exactly.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/bishopkbb/access-edu-ng-sub000/internal/domain"
	"github.com/spf13/viper"
)

const (
	defaultRedisKeyPrefix = "accessedu"
	defaultExchange       = "subscription_events"
)

// Config holds all the configuration variables for the subscription-service.
type Config struct {
	ServerPort                   string `mapstructure:"SERVER_PORT"`
	DatabaseURL                  string `mapstructure:"DATABASE_URL"`
	RedisURL                     string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix               string `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL                  string `mapstructure:"RABBITMQ_URL"`
	SubscriptionEventsExchange   string `mapstructure:"SUBSCRIPTION_EVENTS_EXCHANGE"`
	PaystackBaseURL              string `mapstructure:"PAYSTACK_BASE_URL"`
	PaystackSecretKey            string `mapstructure:"PAYSTACK_SECRET_KEY"`
	PaystackWebhookSecret        string `mapstructure:"PAYSTACK_WEBHOOK_SECRET"`
	PaystackCallbackURL          string `mapstructure:"PAYSTACK_CALLBACK_URL"`
	GatewayTimeoutSeconds        int    `mapstructure:"GATEWAY_TIMEOUT_SECONDS"`
	ClerkJWKSURL                 string `mapstructure:"CLERK_JWKS_URL"`
	InternalAPIKey               string `mapstructure:"INTERNAL_API_KEY"`
	PendingReconcileAfterMinutes int    `mapstructure:"PENDING_RECONCILE_AFTER_MINUTES"`
	PendingExpireAfterHours      int    `mapstructure:"PENDING_EXPIRE_AFTER_HOURS"`
	ReconcileBatchSize           int    `mapstructure:"RECONCILE_BATCH_SIZE"`
	WebhookDedupTTLMinutes       int    `mapstructure:"WEBHOOK_DEDUP_TTL_MINUTES"`
	InitializeRateLimitPerMinute int    `mapstructure:"INITIALIZE_RATE_LIMIT_PER_MINUTE"`
	PlanMonthlyCode              string `mapstructure:"PLAN_MONTHLY_CODE"`
	PlanMonthlyAmountNaira       string `mapstructure:"PLAN_MONTHLY_AMOUNT_NAIRA"`
	PlanYearlyCode               string `mapstructure:"PLAN_YEARLY_CODE"`
	PlanYearlyAmountNaira        string `mapstructure:"PLAN_YEARLY_AMOUNT_NAIRA"`
	PlanCurrency                 string `mapstructure:"PLAN_CURRENCY"`
}

// LoadConfig reads configuration from environment variables and the optional .env
// file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8085")
	viper.SetDefault("REDIS_KEY_PREFIX", defaultRedisKeyPrefix)
	viper.SetDefault("SUBSCRIPTION_EVENTS_EXCHANGE", defaultExchange)
	viper.SetDefault("PAYSTACK_BASE_URL", "https://api.paystack.co")
	viper.SetDefault("GATEWAY_TIMEOUT_SECONDS", 10)
	viper.SetDefault("PENDING_RECONCILE_AFTER_MINUTES", 30)
	viper.SetDefault("PENDING_EXPIRE_AFTER_HOURS", 48)
	viper.SetDefault("RECONCILE_BATCH_SIZE", 50)
	viper.SetDefault("WEBHOOK_DEDUP_TTL_MINUTES", 1440)
	viper.SetDefault("INITIALIZE_RATE_LIMIT_PER_MINUTE", 10)
	viper.SetDefault("PLAN_CURRENCY", "NGN")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "SUBSCRIPTION_REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("SUBSCRIPTION_EVENTS_EXCHANGE")
	_ = viper.BindEnv("PAYSTACK_BASE_URL")
	_ = viper.BindEnv("PAYSTACK_SECRET_KEY")
	_ = viper.BindEnv("PAYSTACK_WEBHOOK_SECRET")
	_ = viper.BindEnv("PAYSTACK_CALLBACK_URL")
	_ = viper.BindEnv("GATEWAY_TIMEOUT_SECONDS")
	_ = viper.BindEnv("CLERK_JWKS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "SUBSCRIPTION_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("PENDING_RECONCILE_AFTER_MINUTES")
	_ = viper.BindEnv("PENDING_EXPIRE_AFTER_HOURS")
	_ = viper.BindEnv("RECONCILE_BATCH_SIZE")
	_ = viper.BindEnv("WEBHOOK_DEDUP_TTL_MINUTES")
	_ = viper.BindEnv("INITIALIZE_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("PLAN_MONTHLY_CODE")
	_ = viper.BindEnv("PLAN_MONTHLY_AMOUNT_NAIRA")
	_ = viper.BindEnv("PLAN_YEARLY_CODE")
	_ = viper.BindEnv("PLAN_YEARLY_AMOUNT_NAIRA")
	_ = viper.BindEnv("PLAN_CURRENCY")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.PaystackSecretKey = strings.TrimSpace(config.PaystackSecretKey)
	config.PaystackWebhookSecret = strings.TrimSpace(config.PaystackWebhookSecret)
	if config.PaystackWebhookSecret == "" {
		config.PaystackWebhookSecret = config.PaystackSecretKey
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisKeyPrefix = strings.TrimSpace(config.RedisKeyPrefix)
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = defaultRedisKeyPrefix
	}
	if strings.TrimSpace(config.SubscriptionEventsExchange) == "" {
		config.SubscriptionEventsExchange = defaultExchange
	}
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)

	if config.GatewayTimeoutSeconds <= 0 {
		config.GatewayTimeoutSeconds = 10
	}
	if config.PendingReconcileAfterMinutes <= 0 {
		config.PendingReconcileAfterMinutes = 30
	}
	if config.PendingExpireAfterHours <= 0 {
		config.PendingExpireAfterHours = 48
	}
	if config.ReconcileBatchSize <= 0 {
		config.ReconcileBatchSize = 50
	}
	if config.WebhookDedupTTLMinutes <= 0 {
		config.WebhookDedupTTLMinutes = 1440
	}
	if config.InitializeRateLimitPerMinute < 0 {
		log.Printf("level=warn component=config msg=\"negative initialize rate limit configured; disabling\" limit=%d", config.InitializeRateLimitPerMinute)
		config.InitializeRateLimitPerMinute = 0
	}
	if strings.TrimSpace(config.PlanCurrency) == "" {
		config.PlanCurrency = "NGN"
	}

	return
}

// Plans returns the plan catalog configured through the environment. A plan with a
// missing code or an invalid price is left out.
func (c Config) Plans() []domain.Plan {
	plans := make([]domain.Plan, 0, 2)
	if p, ok := c.configuredPlan("monthly", "Premium Monthly", c.PlanMonthlyCode, c.PlanMonthlyAmountNaira, domain.IntervalMonthly); ok {
		plans = append(plans, p)
	}
	if p, ok := c.configuredPlan("yearly", "Premium Yearly", c.PlanYearlyCode, c.PlanYearlyAmountNaira, domain.IntervalYearly); ok {
		plans = append(plans, p)
	}
	return plans
}

func (c Config) configuredPlan(key, name, code, amountNaira string, interval domain.Interval) (domain.Plan, bool) {
	code = strings.TrimSpace(code)
	amountNaira = strings.TrimSpace(amountNaira)
	if code == "" || amountNaira == "" {
		return domain.Plan{}, false
	}
	amount, err := domain.MajorToMinorUnits(amountNaira)
	if err != nil {
		log.Printf("level=warn component=config msg=\"invalid plan amount; plan disabled\" plan=%s value=%q err=%v", key, amountNaira, err)
		return domain.Plan{}, false
	}
	if amount <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive plan amount; plan disabled\" plan=%s amount_kobo=%d", key, amount)
		return domain.Plan{}, false
	}
	return domain.Plan{
		Key:           key,
		PlanCode:      code,
		Name:          name,
		Amount:        amount,
		DisplayAmount: domain.FormatMinorUnits(amount),
		Currency:      c.PlanCurrency,
		Interval:      interval,
	}, true
}

// SchedulerConfig holds all configuration for the scheduler service.
type SchedulerConfig struct {
	SubscriptionServiceURL string `mapstructure:"SUBSCRIPTION_SERVICE_URL"`
	InternalAPIKey         string `mapstructure:"INTERNAL_API_KEY"`
	ReconcileJobSchedule   string `mapstructure:"RECONCILE_JOB_SCHEDULE"`
}

// LoadSchedulerConfig reads the scheduler configuration from environment variables.
func LoadSchedulerConfig() (*SchedulerConfig, error) {
	viper.SetDefault("SUBSCRIPTION_SERVICE_URL", "http://localhost:8085")
	viper.SetDefault("RECONCILE_JOB_SCHEDULE", "*/15 * * * *") // Every 15 minutes.
	viper.AutomaticEnv()

	_ = viper.BindEnv("SUBSCRIPTION_SERVICE_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "SUBSCRIPTION_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("RECONCILE_JOB_SCHEDULE")

	var config SchedulerConfig
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}
	config.SubscriptionServiceURL = strings.TrimRight(strings.TrimSpace(config.SubscriptionServiceURL), "/")
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	return &config, nil
}
