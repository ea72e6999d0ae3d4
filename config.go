package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/Luka-sama/draco-go/internal/datagram"
	"github.com/Luka-sama/draco-go/internal/logger"
	"github.com/Luka-sama/draco-go/internal/session"
)

// Config is the process's immutable configuration, read once from the
// environment at startup (spec §6 "Environment variables").
type Config struct {
	WSPort  int
	WSPath  string
	UDPPort int

	LogDestination  logger.Destination
	LogDir          string
	DefaultLogLevel logger.Level

	MaxOptimalPacketCount    int
	AttemptCount             int
	SessionTimeout           time.Duration
	ReceiveMaxBytesPerSecond int
	ShouldWaitForNext        time.Duration
	WaitForReconnection      time.Duration
	TickPeriod               time.Duration

	AdminAddr    string
	EnableTLS    bool
	CertValidity time.Duration

	AdmissionRatePerSecond float64
	AdmissionBurst         int
}

// loadConfig reads Config from the environment. WS_PORT/WS_PATH/UDP_PORT
// missing is a startup error, translating a required-flag posture to env
// vars.
func loadConfig() (Config, error) {
	wsPort, err := requiredIntEnv("WS_PORT")
	if err != nil {
		return Config{}, err
	}
	wsPath, ok := os.LookupEnv("WS_PATH")
	if !ok || wsPath == "" {
		return Config{}, fmt.Errorf("config: WS_PATH is required")
	}
	udpPort, err := requiredIntEnv("UDP_PORT")
	if err != nil {
		return Config{}, err
	}

	dest := logger.ParseDestination(os.Getenv("LOG_DESTINATION"))

	defaultLevel := logger.Warn
	if v, ok := logger.ParseLevel(os.Getenv("DEFAULT_LOG_LEVEL")); ok {
		defaultLevel = v
	}

	return Config{
		WSPort:  wsPort,
		WSPath:  wsPath,
		UDPPort: udpPort,

		LogDestination:  dest,
		LogDir:          envOrDefault("LOG_DIR", "logs/"),
		DefaultLogLevel: defaultLevel,

		MaxOptimalPacketCount:    intEnvOrDefault("MAX_OPTIMAL_PACKET_COUNT", 3),
		AttemptCount:             intEnvOrDefault("ATTEMPT_COUNT", 5),
		SessionTimeout:           msEnvOrDefault("SESSION_TIMEOUT", 5000),
		ReceiveMaxBytesPerSecond: intEnvOrDefault("RECEIVE_MAX_BYTES_PER_SECOND", 65535),
		ShouldWaitForNext:        msEnvOrDefault("SHOULD_WAIT_FOR_NEXT", 1000),
		WaitForReconnection:      msEnvOrDefault("WAIT_FOR_RECONNECTION", 15000),
		TickPeriod:               msEnvOrDefault("TICK_PERIOD", 50),

		AdminAddr:    envOrDefault("ADMIN_ADDR", ":8081"),
		EnableTLS:    envOrDefault("ENABLE_TLS", "") == "true",
		CertValidity: msEnvOrDefault("TLS_CERT_VALIDITY_MS", int((24 * time.Hour).Milliseconds())),

		AdmissionRatePerSecond: float64(intEnvOrDefault("ADMISSION_RATE_PER_SECOND", 50)),
		AdmissionBurst:         intEnvOrDefault("ADMISSION_BURST", 10),
	}, nil
}

func (c Config) datagramConfig() datagram.Config {
	return datagram.Config{
		AttemptCount:             c.AttemptCount,
		SessionTimeout:           c.SessionTimeout,
		ReceiveMaxBytesPerSecond: c.ReceiveMaxBytesPerSecond,
		ShouldWaitForNext:        c.ShouldWaitForNext,
	}
}

func (c Config) sessionConfig() session.Config {
	return session.Config{
		MaxOptimalPacketCount: c.MaxOptimalPacketCount,
		WaitForReconnection:   c.WaitForReconnection,
	}
}

func requiredIntEnv(name string) (int, error) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return 0, fmt.Errorf("config: %s is required", name)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", name, err)
	}
	return n, nil
}

func envOrDefault(name, def string) string {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		return v
	}
	return def
}

func intEnvOrDefault(name string, def int) int {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func msEnvOrDefault(name string, defMs int) time.Duration {
	return time.Duration(intEnvOrDefault(name, defMs)) * time.Millisecond
}
