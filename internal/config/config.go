package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	HTTPAddr string

	LogLevel  string
	LogFormat string
	LogDebug  bool

	SiteName string
	SiteURL  string

	DefaultCurrency string

	DBType          string
	DBHost          string
	DBPort          string
	DBName          string
	DBUser          string
	DBPassword      string
	DBSSLMode       string
	DBMaxIdleConn   int
	DBMaxOpenConn   int
	DBConnMaxLife   int
	DBAutoMigrate   bool
	MigrationsTable string

	Email EmailConfig

	// PaymentVariants lists the provider variants enabled for checkout.
	PaymentVariants []string

	// ProviderSettingsFile optionally overrides where payment.yml is read from.
	ProviderSettingsFile string
}

type EmailConfig struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	OperatorAddr string
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// Load reads configuration from the environment. A .env file is honored in
// development the same way the rest of the deployment tooling expects.
func Load() Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("config: skipping .env: %v", err)
	}

	return Config{
		AppName:     getenv("APP_NAME", "froide-payment"),
		AppVersion:  getenv("APP_VERSION", "dev"),
		Environment: getenv("APP_ENV", "development"),

		HTTPAddr: getenv("HTTP_ADDR", ":8080"),

		LogLevel:  getenv("LOG_LEVEL", "info"),
		LogFormat: getenv("LOG_FORMAT", "json"),
		LogDebug:  getenvBool("LOG_DEBUG", false),

		SiteName: getenv("SITE_NAME", "FragDenStaat"),
		SiteURL:  getenv("SITE_URL", "https://fragdenstaat.de"),

		DefaultCurrency: getenv("DEFAULT_CURRENCY", "EUR"),

		DBType:        getenv("DB_TYPE", "sqlite"),
		DBHost:        getenv("DB_HOST", "localhost"),
		DBPort:        getenv("DB_PORT", "5432"),
		DBName:        getenv("DB_NAME", "froide_payment"),
		DBUser:        getenv("DB_USER", "postgres"),
		DBPassword:    getenv("DB_PASSWORD", ""),
		DBSSLMode:     getenv("DB_SSLMODE", "disable"),
		DBMaxIdleConn: getenvInt("DB_MAX_IDLE_CONN", 5),
		DBMaxOpenConn: getenvInt("DB_MAX_OPEN_CONN", 25),
		DBConnMaxLife: getenvInt("DB_CONN_MAX_LIFETIME", 300),
		DBAutoMigrate: getenvBool("DB_AUTO_MIGRATE", true),

		Email: EmailConfig{
			SMTPHost:     getenv("SMTP_HOST", "localhost"),
			SMTPPort:     getenvInt("SMTP_PORT", 25),
			SMTPUsername: getenv("SMTP_USERNAME", ""),
			SMTPPassword: getenv("SMTP_PASSWORD", ""),
			SMTPFrom:     getenv("SMTP_FROM", "noreply@fragdenstaat.de"),
			OperatorAddr: getenv("OPERATOR_EMAIL", ""),
		},

		PaymentVariants: parseList(getenv(
			"PAYMENT_VARIANTS",
			"creditcard,sepa,lastschrift,paypal,banktransfer",
		)),

		ProviderSettingsFile: getenv("PROVIDER_SETTINGS_FILE", ""),
	}
}

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewProviderSettingsHolder),
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
