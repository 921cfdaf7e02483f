package config

import (
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Push provider selection ("fcm" or "sns")
	PushProvider string

	// FCM config
	FCMProjectID       string
	FCMCredentialsFile string
	FCMCredentialsJSON string

	// AWS / SNS config (mobile push via platform endpoints)
	AWSRegion            string
	SNSRegion            string
	SNSBroadcastTopicARN string

	// Broadcast topic name for FCM topic messaging
	BroadcastTopic string

	// Worker config
	WorkerPollSeconds int // how often the worker polls for due notifications
	WorkerBatchSize   int // max notifications claimed per poll
	StaleAfterMinutes int // processing rows older than this get released

	// Delivery gate config
	QuietHoursStart string // default quiet window start, "HH:MM"
	QuietHoursEnd   string // default quiet window end, "HH:MM"
	DailyCap        int    // max non-urgent sends per recipient per local day

	// Log retention
	LogRetentionDays int

	// Rate limiting (requests per minute per client)
	RateLimitPerMinute int
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "fajr",
		DBPassword: "",
		DBName:     "fajr",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		PushProvider:   "fcm",
		BroadcastTopic: "all-users",

		AWSRegion: "us-east-1",

		WorkerPollSeconds: 10,
		WorkerBatchSize:   25,
		StaleAfterMinutes: 10,

		QuietHoursStart: "22:00",
		QuietHoursEnd:   "06:00",
		DailyCap:        5,

		LogRetentionDays: 90,

		RateLimitPerMinute: 120,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	// Push provider config
	if provider := os.Getenv("PUSH_PROVIDER"); provider != "" {
		if provider != "fcm" && provider != "sns" {
			return nil, fmt.Errorf("invalid PUSH_PROVIDER %q: must be fcm or sns", provider)
		}
		cfg.PushProvider = provider
	}

	if project := os.Getenv("FCM_PROJECT_ID"); project != "" {
		cfg.FCMProjectID = project
	}

	if path := os.Getenv("FCM_CREDENTIALS_FILE"); path != "" {
		cfg.FCMCredentialsFile = path
	}

	if creds := os.Getenv("FCM_CREDENTIALS_JSON"); creds != "" {
		cfg.FCMCredentialsJSON = creds
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	if arn := os.Getenv("SNS_BROADCAST_TOPIC_ARN"); arn != "" {
		cfg.SNSBroadcastTopicARN = arn
	}

	if topic := os.Getenv("BROADCAST_TOPIC"); topic != "" {
		cfg.BroadcastTopic = topic
	}

	// Worker config
	if poll := os.Getenv("WORKER_POLL_SECONDS"); poll != "" {
		p, err := strconv.Atoi(poll)
		if err != nil {
			return nil, fmt.Errorf("invalid WORKER_POLL_SECONDS: %w", err)
		}
		cfg.WorkerPollSeconds = p
	}

	if batch := os.Getenv("WORKER_BATCH_SIZE"); batch != "" {
		b, err := strconv.Atoi(batch)
		if err != nil {
			return nil, fmt.Errorf("invalid WORKER_BATCH_SIZE: %w", err)
		}
		cfg.WorkerBatchSize = b
	}

	if stale := os.Getenv("STALE_AFTER_MINUTES"); stale != "" {
		s, err := strconv.Atoi(stale)
		if err != nil {
			return nil, fmt.Errorf("invalid STALE_AFTER_MINUTES: %w", err)
		}
		cfg.StaleAfterMinutes = s
	}

	// Delivery gate config
	if start := os.Getenv("QUIET_HOURS_START"); start != "" {
		cfg.QuietHoursStart = start
	}

	if end := os.Getenv("QUIET_HOURS_END"); end != "" {
		cfg.QuietHoursEnd = end
	}

	if cap := os.Getenv("DAILY_CAP"); cap != "" {
		c, err := strconv.Atoi(cap)
		if err != nil {
			return nil, fmt.Errorf("invalid DAILY_CAP: %w", err)
		}
		cfg.DailyCap = c
	}

	if days := os.Getenv("LOG_RETENTION_DAYS"); days != "" {
		d, err := strconv.Atoi(days)
		if err != nil {
			return nil, fmt.Errorf("invalid LOG_RETENTION_DAYS: %w", err)
		}
		cfg.LogRetentionDays = d
	}

	if limit := os.Getenv("RATE_LIMIT_PER_MINUTE"); limit != "" {
		l, err := strconv.Atoi(limit)
		if err != nil {
			return nil, fmt.Errorf("invalid RATE_LIMIT_PER_MINUTE: %w", err)
		}
		cfg.RateLimitPerMinute = l
	}

	return cfg, nil
}
