package savedobjects

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestNewZapLogger tests creating a ZapLogger from a standard zap.Logger
func TestNewZapLogger(t *testing.T) {
	core, _ := observer.New(zapcore.InfoLevel)
	zapLogger := NewZapLogger(zap.New(core))
	if zapLogger == nil {
		t.Fatal("expected ZapLogger, got nil")
	}

	zapLogger.Info("test message", "key", "value")
}

// TestNewZapLoggerFromSugar tests creating a ZapLogger from sugared logger
func TestNewZapLoggerFromSugar(t *testing.T) {
	core, _ := observer.New(zapcore.InfoLevel)
	zapLogger := NewZapLoggerFromSugar(zap.New(core).Sugar())
	if zapLogger == nil {
		t.Fatal("expected ZapLogger, got nil")
	}

	zapLogger.Info("test message", "key", "value")
}

func TestNewProductionZapLogger(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "bogus", ""} {
		t.Run(level, func(t *testing.T) {
			logger, err := NewProductionZapLogger(level)
			if err != nil {
				t.Fatalf("failed to create production logger: %v", err)
			}
			logger.Debug("debug message", "key", "value")
			logger.Info("info message", "key", "value")
			if err := logger.Sync(); err != nil {
				// Sync can fail on stdout/stderr in tests, that's ok
				t.Logf("sync returned error (expected in tests): %v", err)
			}
		})
	}
}

func TestNewDevelopmentZapLogger(t *testing.T) {
	logger, err := NewDevelopmentZapLogger()
	if err != nil {
		t.Fatalf("failed to create development logger: %v", err)
	}
	logger.Debug("debug message", "key", "value")
	logger.Warn("warn message", "key", "value")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"nonsense", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// TestZapLoggerMethods tests all ZapLogger methods with observer
func TestZapLoggerMethods(t *testing.T) {
	core, recorded := observer.New(zapcore.DebugLevel)
	zapLogger := NewZapLogger(zap.New(core))

	zapLogger.Debug("debug message", "key", "value")
	zapLogger.Info("info message", "key", "value")
	zapLogger.Warn("warn message", "key", "value")
	zapLogger.Error("error message", "key", "value")

	if recorded.Len() != 4 {
		t.Fatalf("expected 4 log entries, got %d", recorded.Len())
	}

	entries := recorded.All()
	wantLevels := []zapcore.Level{zapcore.DebugLevel, zapcore.InfoLevel, zapcore.WarnLevel, zapcore.ErrorLevel}
	for i, want := range wantLevels {
		if entries[i].Level != want {
			t.Errorf("entry %d: expected %v level, got %v", i, want, entries[i].Level)
		}
	}
}

// TestZapLoggerFields tests that fields are properly passed
func TestZapLoggerFields(t *testing.T) {
	core, recorded := observer.New(zapcore.InfoLevel)
	zapLogger := NewZapLogger(zap.New(core))

	zapLogger.Info("message",
		"string", "value",
		"int", 42,
		"bool", true,
	)

	if recorded.Len() != 1 {
		t.Fatalf("expected 1 log entry, got %d", recorded.Len())
	}

	context := recorded.All()[0].ContextMap()
	if context["string"] != "value" {
		t.Errorf("expected string field 'value', got '%v'", context["string"])
	}
	if context["int"] != int64(42) {
		t.Errorf("expected int field 42, got '%v'", context["int"])
	}
	if context["bool"] != true {
		t.Errorf("expected bool field true, got '%v'", context["bool"])
	}
}
