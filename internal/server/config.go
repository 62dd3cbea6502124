package server

import (
	"os"
	"strconv"
)

type Config struct {
	Port            int
	ReadTimeout     int
	WriteTimeout    int
	ShutdownTimeout int
}

func LoadConfig() Config {
	return Config{
		Port:        getEnvInt("PORT", 8080),
		ReadTimeout: getEnvInt("READ_TIMEOUT", 30),
		// Single-phase requests hold the response open until the
		// human decides or the approval times out, so the write
		// timeout must outlive the longest approval timeout.
		WriteTimeout:    getEnvInt("WRITE_TIMEOUT", 300),
		ShutdownTimeout: getEnvInt("SHUTDOWN_TIMEOUT", 10),
	}
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}
