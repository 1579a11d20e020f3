package savedobjects

import (
	"testing"
)

func clearRedisEnv(t *testing.T) {
	for _, k := range []string{"REDIS_URL", "REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB"} {
		t.Setenv(k, "")
	}
}

func TestRedisOptions_Defaults(t *testing.T) {
	clearRedisEnv(t)

	opts := RedisOptions()
	if opts.Addr != "localhost:6379" {
		t.Errorf("expected default addr localhost:6379, got %s", opts.Addr)
	}
	if opts.Password != "" {
		t.Errorf("expected empty password, got %s", opts.Password)
	}
	if opts.DB != 0 {
		t.Errorf("expected db 0, got %d", opts.DB)
	}
}

func TestRedisOptions_FromEnvironment(t *testing.T) {
	clearRedisEnv(t)
	t.Setenv("REDIS_ADDR", "redis.example.com:6380")
	t.Setenv("REDIS_PASSWORD", "secret123")
	t.Setenv("REDIS_DB", "5")

	opts := RedisOptions()
	if opts.Addr != "redis.example.com:6380" || opts.Password != "secret123" || opts.DB != 5 {
		t.Errorf("unexpected options: addr=%s password=%s db=%d", opts.Addr, opts.Password, opts.DB)
	}
}

func TestRedisOptions_URLTakesPrecedence(t *testing.T) {
	clearRedisEnv(t)
	t.Setenv("REDIS_ADDR", "ignored:6379")
	t.Setenv("REDIS_URL", "redis://:pw@cache.internal:6390/3")

	opts := RedisOptions()
	if opts.Addr != "cache.internal:6390" {
		t.Errorf("Addr = %s, want cache.internal:6390", opts.Addr)
	}
	if opts.Password != "pw" || opts.DB != 3 {
		t.Errorf("password=%s db=%d, want pw/3", opts.Password, opts.DB)
	}
}

func TestRedisOptions_InvalidURLFallsBack(t *testing.T) {
	clearRedisEnv(t)
	t.Setenv("REDIS_URL", "not a url")
	t.Setenv("REDIS_ADDR", "fallback:6379")

	if opts := RedisOptions(); opts.Addr != "fallback:6379" {
		t.Errorf("Addr = %s, want fallback:6379", opts.Addr)
	}
}

func TestRedisOptionsWithOverrides(t *testing.T) {
	clearRedisEnv(t)
	t.Setenv("REDIS_PASSWORD", "from-env")

	opts := RedisOptionsWithOverrides("override:6379", "", 2)
	if opts.Addr != "override:6379" {
		t.Errorf("Addr = %s", opts.Addr)
	}
	if opts.Password != "from-env" {
		t.Errorf("Password = %s, want from-env", opts.Password)
	}
	if opts.DB != 2 {
		t.Errorf("DB = %d, want 2", opts.DB)
	}
}

func TestGetEnvAsInt(t *testing.T) {
	tests := []struct {
		name       string
		envValue   string
		defaultVal int
		expected   int
	}{
		{"valid integer", "42", 0, 42},
		{"empty string uses default", "", 99, 99},
		{"invalid integer uses default", "not-a-number", 10, 10},
		{"negative integer", "-5", 0, -5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_INT_VAR", tt.envValue)
			if got := getEnvAsInt("TEST_INT_VAR", tt.defaultVal); got != tt.expected {
				t.Errorf("expected %d, got %d", tt.expected, got)
			}
		})
	}
}
