package server

import (
	"os"
	"testing"
)

func TestGetEnvInt(t *testing.T) {
	tests := []struct {
		name     string
		setValue string
		fallback int
		expected int
	}{
		{name: "parses int", setValue: "200", fallback: 100, expected: 200},
		{name: "uses fallback on invalid", setValue: "invalid", fallback: 100, expected: 100},
		{name: "uses fallback when missing", setValue: "", fallback: 100, expected: 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setValue != "" {
				t.Setenv("TEST_INT", tt.setValue)
			} else {
				os.Unsetenv("TEST_INT")
			}

			if result := getEnvInt("TEST_INT", tt.fallback); result != tt.expected {
				t.Errorf("expected %d, got %d", tt.expected, result)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("PORT", "9090")

	cfg := LoadConfig()

	if cfg.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Port)
	}
	if cfg.ReadTimeout != 30 {
		t.Errorf("expected default read timeout 30, got %d", cfg.ReadTimeout)
	}
	if cfg.WriteTimeout <= cfg.ReadTimeout {
		t.Error("write timeout must outlive long-polling approval waits")
	}
}
