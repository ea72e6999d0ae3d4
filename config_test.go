package main

import (
	"testing"
	"time"

	"github.com/Luka-sama/draco-go/internal/logger"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("WS_PORT", "8080")
	t.Setenv("WS_PATH", "/ws")
	t.Setenv("UDP_PORT", "9000")
}

func TestLoadConfigMissingRequiredVarErrors(t *testing.T) {
	t.Setenv("WS_PORT", "")
	t.Setenv("WS_PATH", "")
	t.Setenv("UDP_PORT", "")
	if _, err := loadConfig(); err == nil {
		t.Fatal("expected an error when WS_PORT/WS_PATH/UDP_PORT are unset")
	}
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.WSPort != 8080 || cfg.WSPath != "/ws" || cfg.UDPPort != 9000 {
		t.Fatalf("unexpected required fields: %+v", cfg)
	}
	if cfg.MaxOptimalPacketCount != 3 {
		t.Fatalf("expected MaxOptimalPacketCount default 3, got %d", cfg.MaxOptimalPacketCount)
	}
	if cfg.AttemptCount != 5 {
		t.Fatalf("expected AttemptCount default 5, got %d", cfg.AttemptCount)
	}
	if cfg.SessionTimeout != 5000*time.Millisecond {
		t.Fatalf("expected SessionTimeout default 5s, got %v", cfg.SessionTimeout)
	}
	if cfg.ReceiveMaxBytesPerSecond != 65535 {
		t.Fatalf("expected ReceiveMaxBytesPerSecond default 65535, got %d", cfg.ReceiveMaxBytesPerSecond)
	}
	if cfg.ShouldWaitForNext != 1000*time.Millisecond {
		t.Fatalf("expected ShouldWaitForNext default 1s, got %v", cfg.ShouldWaitForNext)
	}
	if cfg.LogDestination != logger.Console {
		t.Fatalf("expected default LogDestination Console, got %v", cfg.LogDestination)
	}
	if cfg.DefaultLogLevel != logger.Warn {
		t.Fatalf("expected default DefaultLogLevel Warn, got %v", cfg.DefaultLogLevel)
	}
}

func TestLoadConfigOverridesFromEnv(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("MAX_OPTIMAL_PACKET_COUNT", "7")
	t.Setenv("LOG_DESTINATION", "file")
	t.Setenv("DEFAULT_LOG_LEVEL", "debug")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.MaxOptimalPacketCount != 7 {
		t.Fatalf("expected overridden MaxOptimalPacketCount 7, got %d", cfg.MaxOptimalPacketCount)
	}
	if cfg.LogDestination != logger.File {
		t.Fatalf("expected overridden LogDestination File, got %v", cfg.LogDestination)
	}
	if cfg.DefaultLogLevel != logger.Debug {
		t.Fatalf("expected overridden DefaultLogLevel Debug, got %v", cfg.DefaultLogLevel)
	}
}

func TestConfigAdapterMethodsMapFields(t *testing.T) {
	setRequiredEnv(t)
	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}

	dc := cfg.datagramConfig()
	if dc.AttemptCount != cfg.AttemptCount || dc.SessionTimeout != cfg.SessionTimeout {
		t.Fatalf("datagramConfig did not carry over fields: %+v", dc)
	}

	sc := cfg.sessionConfig()
	if sc.MaxOptimalPacketCount != cfg.MaxOptimalPacketCount || sc.WaitForReconnection != cfg.WaitForReconnection {
		t.Fatalf("sessionConfig did not carry over fields: %+v", sc)
	}
}
