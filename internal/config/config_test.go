package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ShopCacheStrategy != StrategyMutex {
		t.Errorf("expected mutex strategy, got %s", cfg.ShopCacheStrategy)
	}
	if cfg.OrderReadBlock != 2*time.Second {
		t.Errorf("expected 2s read block, got %v", cfg.OrderReadBlock)
	}
	if len(cfg.KafkaBrokers) != 0 {
		t.Errorf("expected kafka disabled by default, got %v", cfg.KafkaBrokers)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("SHOP_CACHE_STRATEGY", "Logical")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("CACHE_NULL_TTL", "30s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ShopCacheStrategy != StrategyLogical {
		t.Errorf("expected logical strategy, got %s", cfg.ShopCacheStrategy)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Errorf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if cfg.CacheNullTTL != 30*time.Second {
		t.Errorf("expected 30s null ttl, got %v", cfg.CacheNullTTL)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"SHOP_CACHE_STRATEGY":        "random",
		"BUY_RATE_LIMIT":             "0",
		"REDIS_DB":                   "x",
		"ORDER_READ_BLOCK":           "-1s",
		"CACHE_MUTEX_RETRY_ATTEMPTS": "abc",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%s", key, val)
			}
		})
	}
}

func TestLoad_AdminToken(t *testing.T) {
	t.Setenv("ADMIN_TOKEN", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.UsesDefaultAdminToken() {
		t.Errorf("expected development token when ADMIN_TOKEN is empty")
	}

	t.Setenv("ADMIN_TOKEN", "s3cret")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.UsesDefaultAdminToken() || cfg.AdminToken != "s3cret" {
		t.Errorf("expected configured token, got %q", cfg.AdminToken)
	}
}
