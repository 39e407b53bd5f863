package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
)

type Config struct {
	ServerPort    string
	StorageDriver string

	DBHost        string
	DBPort        string
	DBUser        string
	DBPassword    string
	DBName        string
	DBSSLMode     string
	DBAutoMigrate bool

	MongoURI      string
	MongoDatabase string

	// RedisAddr left empty disables movement events.
	RedisAddr     string
	RedisPassword string
	RedisStream   string

	CreditRetryAttempts int
	CreditRetryInterval time.Duration

	RepairInterval   time.Duration
	RepairStaleAfter time.Duration
	RepairBatchSize  int
}

// Load reads the configuration from the environment, falling back to defaults.
func Load() *Config {
	return &Config{
		ServerPort:    getEnv("PORT", "8080"),
		StorageDriver: getEnv("STORAGE_DRIVER", DriverPostgres),

		DBHost:        getEnv("DB_HOST", "localhost"),
		DBPort:        getEnv("DB_PORT", "5432"),
		DBUser:        getEnv("DB_USER", "postgres"),
		DBPassword:    getEnv("DB_PASSWORD", "password"),
		DBName:        getEnv("DB_NAME", "account_ledger"),
		DBSSLMode:     getEnv("DB_SSLMODE", "disable"),
		DBAutoMigrate: getEnvBool("DB_AUTO_MIGRATE", true),

		MongoURI:      getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase: getEnv("MONGO_DATABASE", "account_ledger"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisStream:   getEnv("REDIS_STREAM", "ledger.movements"),

		CreditRetryAttempts: getEnvInt("TRANSFER_CREDIT_RETRY_ATTEMPTS", 5),
		CreditRetryInterval: getEnvDuration("TRANSFER_CREDIT_RETRY_INTERVAL", 50*time.Millisecond),

		RepairInterval:   getEnvDuration("TRANSFER_REPAIR_INTERVAL", 5*time.Second),
		RepairStaleAfter: getEnvDuration("TRANSFER_REPAIR_STALE_AFTER", 30*time.Second),
		RepairBatchSize:  getEnvInt("TRANSFER_REPAIR_BATCH_SIZE", 50),
	}
}

func (c *Config) GetDBConnectionString() string {
	sslMode := c.DBSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, sslMode)
}

func (c *Config) Validate() error {
	switch c.StorageDriver {
	case DriverMemory, DriverPostgres, DriverMongo:
	default:
		return fmt.Errorf("unknown storage driver %q", c.StorageDriver)
	}
	if c.ServerPort == "" {
		return fmt.Errorf("server port cannot be empty")
	}
	if c.StorageDriver == DriverMongo && c.MongoURI == "" {
		return fmt.Errorf("mongo uri cannot be empty")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}
