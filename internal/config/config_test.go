package config

import (
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"tradedesk/pkg/crypto"
)

// ============ Load Tests ============

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load with defaults failed: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Database.Driver != "postgres" {
		t.Errorf("Database.Driver = %q, want postgres", cfg.Database.Driver)
	}
	if got := len(cfg.Exchange.DefaultSymbols); got != 3 {
		t.Errorf("len(DefaultSymbols) = %d, want 3", got)
	}
	if cfg.Exchange.PollInterval != 10*time.Second {
		t.Errorf("PollInterval = %v, want 10s", cfg.Exchange.PollInterval)
	}
	if cfg.Risk.MaxPositionSize != 0.05 {
		t.Errorf("Risk.MaxPositionSize = %v, want 0.05", cfg.Risk.MaxPositionSize)
	}
	if cfg.Server.OperatorAuthEnabled {
		t.Error("operator auth should be disabled by default")
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want info", cfg.Logging.Level)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("RISK_MAX_OPEN_POSITIONS", "5")
	t.Setenv("DEFAULT_SYMBOLS", "BTCUSDT, ETHUSDT")
	t.Setenv("MARKET_POLL_INTERVAL", "250ms")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Risk.MaxOpenPositions != 5 {
		t.Errorf("Risk.MaxOpenPositions = %d, want 5", cfg.Risk.MaxOpenPositions)
	}
	// Пробелы вокруг элементов списка отбрасываются
	want := []string{"BTCUSDT", "ETHUSDT"}
	if len(cfg.Exchange.DefaultSymbols) != len(want) {
		t.Fatalf("DefaultSymbols = %v, want %v", cfg.Exchange.DefaultSymbols, want)
	}
	for i, s := range want {
		if cfg.Exchange.DefaultSymbols[i] != s {
			t.Errorf("DefaultSymbols[%d] = %q, want %q", i, cfg.Exchange.DefaultSymbols[i], s)
		}
	}
	if cfg.Exchange.PollInterval != 250*time.Millisecond {
		t.Errorf("PollInterval = %v, want 250ms", cfg.Exchange.PollInterval)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
}

func TestLoadInvalidValuesFallBackToDefaults(t *testing.T) {
	t.Setenv("DB_MAX_OPEN_CONNS", "not-a-number")
	t.Setenv("MARKET_STALE_AFTER", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Database.MaxOpenConns != 25 {
		t.Errorf("MaxOpenConns = %d, want default 25", cfg.Database.MaxOpenConns)
	}
	if cfg.Exchange.StaleAfter != 30*time.Second {
		t.Errorf("StaleAfter = %v, want default 30s", cfg.Exchange.StaleAfter)
	}
}

// ============ Validation Tests ============

func TestLoadValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{
			name: "port out of range",
			env:  map[string]string{"SERVER_PORT": "99999"},
		},
		{
			name: "api key without secret",
			env:  map[string]string{"EXCHANGE_API_KEY": "key-id"},
		},
		{
			name: "placeholder secret",
			env: map[string]string{
				"EXCHANGE_API_KEY":    "key-id",
				"EXCHANGE_API_SECRET": "changeme",
			},
		},
		{
			name: "secret too short",
			env: map[string]string{
				"EXCHANGE_API_KEY":    "key-id",
				"EXCHANGE_API_SECRET": "short",
			},
		},
		{
			name: "operator auth without hash",
			env:  map[string]string{"OPERATOR_AUTH_ENABLED": "true"},
		},
		{
			name: "operator auth with garbage hash",
			env: map[string]string{
				"OPERATOR_AUTH_ENABLED": "true",
				"OPERATOR_TOKEN_HASH":   "not-a-bcrypt-hash",
			},
		},
		{
			name: "position size above 1",
			env:  map[string]string{"RISK_MAX_POSITION_SIZE": "1.5"},
		},
		{
			name: "heartbeat timeout below interval",
			env: map[string]string{
				"WS_HEARTBEAT_INTERVAL": "30s",
				"WS_HEARTBEAT_TIMEOUT":  "10s",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			if _, err := Load(); err == nil {
				t.Error("Load should fail validation")
			}
		})
	}
}

func TestLoadOperatorTokenHash(t *testing.T) {
	hash, err := crypto.HashTokenWithCost("operator-token", bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash token: %v", err)
	}

	t.Setenv("OPERATOR_AUTH_ENABLED", "true")
	t.Setenv("OPERATOR_TOKEN_HASH", hash)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if !cfg.Server.OperatorAuthEnabled {
		t.Error("OperatorAuthEnabled should be true")
	}
	if cfg.Server.OperatorTokenHash != hash {
		t.Error("OperatorTokenHash should carry the configured hash")
	}
}

// ============ Encrypted Secret Tests ============

func TestLoadEncryptedSecret(t *testing.T) {
	key := strings.Repeat("k", crypto.KeySize)

	t.Run("decrypts into APISecret", func(t *testing.T) {
		enc, err := crypto.Encrypt("real-exchange-secret", []byte(key))
		if err != nil {
			t.Fatalf("Encrypt failed: %v", err)
		}

		t.Setenv("EXCHANGE_API_KEY", "key-id")
		t.Setenv("EXCHANGE_API_SECRET_ENC", enc)
		t.Setenv("ENCRYPTION_KEY", key)

		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}

		if cfg.Exchange.APISecret != "real-exchange-secret" {
			t.Errorf("APISecret = %q, want decrypted secret", cfg.Exchange.APISecret)
		}
	})

	t.Run("plaintext and encrypted are mutually exclusive", func(t *testing.T) {
		enc, _ := crypto.Encrypt("real-exchange-secret", []byte(key))

		t.Setenv("EXCHANGE_API_SECRET", "plain-secret-value")
		t.Setenv("EXCHANGE_API_SECRET_ENC", enc)
		t.Setenv("ENCRYPTION_KEY", key)

		if _, err := Load(); err == nil {
			t.Error("Load should reject both plaintext and encrypted secret")
		}
	})

	t.Run("missing encryption key", func(t *testing.T) {
		enc, _ := crypto.Encrypt("real-exchange-secret", []byte(key))

		t.Setenv("EXCHANGE_API_SECRET_ENC", enc)

		if _, err := Load(); err == nil {
			t.Error("Load should fail without ENCRYPTION_KEY")
		}
	})

	t.Run("wrong encryption key", func(t *testing.T) {
		enc, _ := crypto.Encrypt("real-exchange-secret", []byte(key))

		t.Setenv("EXCHANGE_API_SECRET_ENC", enc)
		t.Setenv("ENCRYPTION_KEY", strings.Repeat("x", crypto.KeySize))

		if _, err := Load(); err == nil {
			t.Error("Load should fail when decryption does not authenticate")
		}
	})

	t.Run("decrypted secret still validated", func(t *testing.T) {
		// Заглушка остается заглушкой и в зашифрованном виде
		enc, _ := crypto.Encrypt("changeme", []byte(key))

		t.Setenv("EXCHANGE_API_KEY", "key-id")
		t.Setenv("EXCHANGE_API_SECRET_ENC", enc)
		t.Setenv("ENCRYPTION_KEY", key)

		if _, err := Load(); err == nil {
			t.Error("Load should reject decrypted placeholder secret")
		}
	})
}

// ============ DSN Tests ============

func TestDSN(t *testing.T) {
	db := DatabaseConfig{
		Host:     "db.internal",
		Port:     5433,
		Name:     "tradedesk",
		User:     "svc",
		Password: "hunter2",
		SSLMode:  "require",
	}

	dsn := db.DSN()
	if !strings.Contains(dsn, "host=db.internal") || !strings.Contains(dsn, "password=hunter2") {
		t.Errorf("DSN missing expected fields: %s", dsn)
	}

	safe := db.DSNWithoutPassword()
	if strings.Contains(safe, "hunter2") {
		t.Errorf("DSNWithoutPassword leaked the password: %s", safe)
	}
	if !strings.Contains(safe, "dbname=tradedesk") {
		t.Errorf("DSNWithoutPassword missing dbname: %s", safe)
	}
}
