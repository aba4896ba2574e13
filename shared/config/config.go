// shared/config/config.go
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// CommonConfig holds infrastructure details shared by services.
type CommonConfig struct {
	// Database (PostgreSQL); DATABASE_URL wins over the parts
	DATABASE_URL string
	DB_USER      string
	DB_PASSWORD  string
	DB_NAME      string
	DB_HOST      string
	DB_PORT      string
	DB_SSLMODE   string

	// Kafka; KAFKA_BROKER may list several brokers, comma separated
	KAFKA_BROKER string
	KAFKA_TOPIC  string

	RABBITMQ_USER     string
	RABBITMQ_PASSWORD string
	RABBITMQ_HOST     string
	RABBITMQ_PORT     string

	REDIS_ADDR     string
	REDIS_PASSWORD string
	REDIS_DB       int
}

// LoadDotEnv preloads variables from the given files (default ".env").
// Variables already set in the environment win; missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// LoadCommonConfig returns the shared infrastructure config.
func LoadCommonConfig() *CommonConfig {
	return &CommonConfig{
		DATABASE_URL: os.Getenv("DATABASE_URL"),
		DB_USER:      os.Getenv("DB_USER"),
		DB_PASSWORD:  os.Getenv("DB_PASSWORD"),
		DB_HOST:      os.Getenv("DB_HOST"),
		DB_PORT:      os.Getenv("DB_PORT"),
		DB_NAME:      os.Getenv("DB_NAME"),
		DB_SSLMODE:   Getenv("DB_SSLMODE", "disable"),

		KAFKA_TOPIC:  os.Getenv("KAFKA_TOPIC"),
		KAFKA_BROKER: os.Getenv("KAFKA_BROKER"),

		RABBITMQ_USER:     os.Getenv("RABBITMQ_USER"),
		RABBITMQ_PASSWORD: os.Getenv("RABBITMQ_PASSWORD"),
		RABBITMQ_HOST:     os.Getenv("RABBITMQ_HOST"),
		RABBITMQ_PORT:     os.Getenv("RABBITMQ_PORT"),

		REDIS_ADDR:     os.Getenv("REDIS_ADDR"),
		REDIS_PASSWORD: os.Getenv("REDIS_PASSWORD"),
		REDIS_DB:       GetInt("REDIS_DB", 0),
	}
}

// GetDBURL formats the config into a PostgreSQL connection string.
func (c *CommonConfig) GetDBURL() string {
	if c.DATABASE_URL != "" {
		return c.DATABASE_URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DB_USER, c.DB_PASSWORD, c.DB_HOST, c.DB_PORT, c.DB_NAME, c.DB_SSLMODE)
}

// GetRabbitMQURL formats the config into a RabbitMQ connection string,
// defaulting host and port.
func (c *CommonConfig) GetRabbitMQURL() string {
	host := c.RABBITMQ_HOST
	if host == "" {
		host = "localhost"
	}
	port := c.RABBITMQ_PORT
	if port == "" {
		port = "5672"
	}
	return fmt.Sprintf("amqp://%s:%s@%s:%s/", c.RABBITMQ_USER, c.RABBITMQ_PASSWORD, host, port)
}

// KafkaBrokers splits KAFKA_BROKER on commas.
func (c *CommonConfig) KafkaBrokers() []string {
	var out []string
	for _, b := range strings.Split(c.KAFKA_BROKER, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// Getenv returns the variable or def when unset or empty.
func Getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// GetInt returns the variable as int, def when unset or malformed.
func GetInt(key string, def int) int {
	v, err := strconv.Atoi(Getenv(key, ""))
	if err != nil {
		return def
	}
	return v
}

// GetDuration parses a Go duration ("90s", "24h"), def when unset or malformed.
func GetDuration(key string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(Getenv(key, ""))
	if err != nil {
		return def
	}
	return v
}
