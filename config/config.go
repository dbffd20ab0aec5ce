package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"nestio/models"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var (
	DB        *gorm.DB
	AppConfig Config
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

type OAuthConfig struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"-"`
	RedirectURI  string `json:"redirect_uri"`
}

// ProviderConfig holds the credentials for the transactional-email cascade.
// Providers with empty credentials report NotConfigured and are skipped.
type ProviderConfig struct {
	MailgunAPIKey  string `json:"-"`
	MailgunDomain  string `json:"mailgun_domain"`
	ResendAPIKey   string `json:"-"`
	PostmarkToken  string `json:"-"`
	SendgridAPIKey string `json:"-"`

	SMTPHost     string `json:"smtp_host"`
	SMTPPort     int    `json:"smtp_port"`
	SMTPUsername string `json:"smtp_username"`
	SMTPPassword string `json:"-"`
}

// Config is built once at startup and threaded through to the components
// that need it; nothing reads the environment after LoadConfig returns.
type Config struct {
	Environment string `json:"environment"`
	ServerPort  string `json:"server_port"`

	DBHost         string `json:"db_host"`
	DBPort         string `json:"db_port"`
	DBUser         string `json:"db_user"`
	DBPassword     string `json:"-"`
	DBName         string `json:"db_name"`
	DBSSLMode      string `json:"db_ssl_mode"`
	DBMaxIdleConns int    `json:"db_max_idle_conns"`
	DBMaxOpenConns int    `json:"db_max_open_conns"`

	JWTSecret string `json:"-"`

	// Outbound mail
	Providers   ProviderConfig `json:"providers"`
	FromName    string         `json:"from_name"`
	FromAddress string         `json:"from_address"`
	ReplyDomain string         `json:"reply_domain"` // slug-derived reply-to addresses live here

	// Tracking links/pixels are built against this public base URL.
	AppBaseURL string `json:"app_base_url"`

	Google OAuthConfig `json:"google"` // Gmail send-on-behalf

	SlackToken   string `json:"-"`
	SlackChannel string `json:"slack_channel"`

	SentryDSN string `json:"-"`

	Redis             RedisConfig `json:"redis"`
	RateLimitTracking int         `json:"rate_limit_tracking"`

	FunnelTickInterval time.Duration `json:"funnel_tick_interval"`
	OutboxTickInterval time.Duration `json:"outbox_tick_interval"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
}

func LoadConfig() error {
	AppConfig = Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		ServerPort:  getEnv("SERVER_PORT", "5000"),

		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "nestio"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),

		JWTSecret: getEnv("JWT_SECRET", ""),

		Providers: ProviderConfig{
			MailgunAPIKey:  getEnv("MAILGUN_API_KEY", ""),
			MailgunDomain:  getEnv("MAILGUN_DOMAIN", ""),
			ResendAPIKey:   getEnv("RESEND_API_KEY", ""),
			PostmarkToken:  getEnv("POSTMARK_SERVER_TOKEN", ""),
			SendgridAPIKey: getEnv("SENDGRID_API_KEY", ""),
			SMTPHost:       getEnv("SMTP_HOST", ""),
			SMTPPort:       getEnvAsInt("SMTP_PORT", 587),
			SMTPUsername:   getEnv("SMTP_USERNAME", ""),
			SMTPPassword:   getEnv("SMTP_PASSWORD", ""),
		},
		FromName:    getEnv("EMAIL_FROM_NAME", "Nestio Team"),
		FromAddress: getEnv("EMAIL_FROM_ADDRESS", "noreply@nestio.app"),
		ReplyDomain: getEnv("EMAIL_REPLY_DOMAIN", "reply.nestio.app"),

		AppBaseURL: getEnv("APP_URL", "http://localhost:5000"),

		Google: OAuthConfig{
			ClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
			ClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
			RedirectURI:  getEnv("GOOGLE_REDIRECT_URI", ""),
		},

		SlackToken:   getEnv("SLACK_BOT_TOKEN", ""),
		SlackChannel: getEnv("SLACK_ALERT_CHANNEL", "#ops-email"),

		SentryDSN: getEnv("SENTRY_DSN", ""),

		Redis: RedisConfig{
			Enabled:  getEnv("REDIS_ADDRESS", "") != "",
			Address:  getEnv("REDIS_ADDRESS", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		RateLimitTracking: getEnvAsInt("RATE_LIMIT_TRACKING", 120),

		FunnelTickInterval: time.Duration(getEnvAsInt("FUNNEL_TICK_SECONDS", 60)) * time.Second,
		OutboxTickInterval: time.Duration(getEnvAsInt("OUTBOX_TICK_SECONDS", 300)) * time.Second,
	}

	// Validate required configurations
	if AppConfig.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if AppConfig.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if AppConfig.Environment == "production" && AppConfig.AppBaseURL == "" {
		return fmt.Errorf("APP_URL is required in production for tracking links")
	}

	logConfig()
	return nil
}

func ConnectDB() error {
	log.Println("Attempting to connect to database...")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBUser,
		AppConfig.DBPassword,
		AppConfig.DBName,
		AppConfig.DBSSLMode,
	)
	log.Println("Using connection string:", maskPassword(dsn))

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(AppConfig.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(AppConfig.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	log.Println("✅ Successfully connected to the database")
	log.Println("🔄 Starting database migration...")
	if err := models.Migrate(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	if err := models.CreateDefaultFunnels(DB); err != nil {
		return fmt.Errorf("default funnel seeding failed: %w", err)
	}
	log.Println("✅ Database migration completed")
	return nil
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var value int
	_, err := fmt.Sscanf(valueStr, "%d", &value)
	if err != nil {
		return fallback
	}
	return value
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

func logConfig() {
	log.Println("🔧 Loaded configuration:")
	log.Printf("Environment: %s", AppConfig.Environment)
	log.Printf("Server Port: %s", AppConfig.ServerPort)
	log.Printf("Database: %s@%s:%s/%s",
		AppConfig.DBUser,
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBName)
	log.Printf("Mail providers: Mailgun(%t), Resend(%t), Postmark(%t), SendGrid(%t), SMTP(%t)",
		AppConfig.Providers.MailgunAPIKey != "",
		AppConfig.Providers.ResendAPIKey != "",
		AppConfig.Providers.PostmarkToken != "",
		AppConfig.Providers.SendgridAPIKey != "",
		AppConfig.Providers.SMTPHost != "")
	log.Printf("Gmail send-on-behalf: %t", AppConfig.Google.ClientID != "")
}
