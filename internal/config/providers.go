package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ProviderSettings carries per-variant credentials plus the SEPA review
// rules. It lives in payment.yml rather than the environment so operators
// can rotate keys and tune fraud thresholds without a restart.
type ProviderSettings struct {
	Stripe StripeSettings `mapstructure:"stripe"`
	Paypal PaypalSettings `mapstructure:"paypal"`
	Review ReviewSettings `mapstructure:"review"`
}

type StripeSettings struct {
	SecretKey           string `mapstructure:"secretKey"`
	PublicKey           string `mapstructure:"publicKey"`
	SigningSecret       string `mapstructure:"signingSecret"`
	SEPASigningSecret   string `mapstructure:"sepaSigningSecret"`
	StatementDescriptor string `mapstructure:"statementDescriptor"`
}

type PaypalSettings struct {
	ClientID  string `mapstructure:"clientId"`
	Secret    string `mapstructure:"secret"`
	Endpoint  string `mapstructure:"endpoint"`
	WebhookID string `mapstructure:"webhookId"`
}

// ReviewSettings drives the SEPA manual-review check: debit attempts above
// the amount threshold, from flagged IPs, or with an IBAN outside the
// country allow-list are deferred for staff review.
type ReviewSettings struct {
	AmountThreshold  float64  `mapstructure:"amountThreshold"`
	IBANCountries    []string `mapstructure:"ibanCountries"`
	SuspiciousIPNets []string `mapstructure:"suspiciousIpNets"`
}

func DefaultProviderSettings() ProviderSettings {
	return ProviderSettings{
		Paypal: PaypalSettings{
			Endpoint: "https://api.sandbox.paypal.com",
		},
		Review: ReviewSettings{
			AmountThreshold: 500,
			IBANCountries:   []string{"DE", "AT", "CH", "NL", "BE", "FR", "LU"},
		},
	}
}

// ProviderSettingsHolder hot-reloads payment.yml so credential rotation and
// review-rule changes take effect on running processes.
type ProviderSettingsHolder struct {
	current atomic.Value // holds ProviderSettings
}

func NewProviderSettingsHolder(cfg Config) (*ProviderSettingsHolder, error) {
	v := viper.New()

	if cfg.ProviderSettingsFile != "" {
		v.SetConfigFile(cfg.ProviderSettingsFile)
	} else {
		v.SetConfigName("payment")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/froide-payment")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("PAYMENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	holder := &ProviderSettingsHolder{}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		holder.current.Store(DefaultProviderSettings())
		return holder, nil
	}

	var settings ProviderSettings
	if err := v.Unmarshal(&settings); err != nil {
		return nil, err
	}
	applyProviderDefaults(&settings)
	holder.current.Store(settings)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated ProviderSettings
		if err := v.Unmarshal(&updated); err != nil {
			log.Printf("[payment-config] reload failed: %v", err)
			return
		}
		applyProviderDefaults(&updated)
		holder.current.Store(updated)
		log.Printf("[payment-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *ProviderSettingsHolder) Get() ProviderSettings {
	return h.current.Load().(ProviderSettings)
}

// Store replaces the settings. Tests use it to inject credentials.
func (h *ProviderSettingsHolder) Store(settings ProviderSettings) {
	applyProviderDefaults(&settings)
	h.current.Store(settings)
}

// NewStaticProviderSettings returns a holder that never reloads.
func NewStaticProviderSettings(settings ProviderSettings) *ProviderSettingsHolder {
	holder := &ProviderSettingsHolder{}
	holder.Store(settings)
	return holder
}

func applyProviderDefaults(settings *ProviderSettings) {
	defaults := DefaultProviderSettings()
	if settings.Paypal.Endpoint == "" {
		settings.Paypal.Endpoint = defaults.Paypal.Endpoint
	}
	if settings.Review.AmountThreshold <= 0 {
		settings.Review.AmountThreshold = defaults.Review.AmountThreshold
	}
	if len(settings.Review.IBANCountries) == 0 {
		settings.Review.IBANCountries = defaults.Review.IBANCountries
	}
}
