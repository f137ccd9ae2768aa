package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds service configuration.
type Config struct {
	DatabaseURL string
	ServerAddr  string
	RedisAddr   string
	SendBuffer  int
}

// Load reads configuration from environment.
func Load() (*Config, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		user := getenv("POSTGRES_USER", "fieldsync")
		pass := getenv("POSTGRES_PASSWORD", "fieldsync_pass")
		db := getenv("POSTGRES_DB", "fieldsync")
		host := getenv("POSTGRES_HOST", "localhost")
		port := getenv("POSTGRES_PORT", "5432")
		sslmode := getenv("DATABASE_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, sslmode)
	}
	addr := getenv("SERVER_ADDR", "0.0.0.0:8080")
	redisAddr := os.Getenv("REDIS_ADDR")
	sendBuffer := parseInt(getenv("SEND_BUFFER", "64"), 64)

	return &Config{
		DatabaseURL: dsn,
		ServerAddr:  addr,
		RedisAddr:   redisAddr,
		SendBuffer:  sendBuffer,
	}, nil
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
