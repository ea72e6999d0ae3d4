package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/Luka-sama/draco-go/internal/adminhttp"
	"github.com/Luka-sama/draco-go/internal/clock"
	"github.com/Luka-sama/draco-go/internal/codec"
	"github.com/Luka-sama/draco-go/internal/datagram"
	"github.com/Luka-sama/draco-go/internal/example"
	"github.com/Luka-sama/draco-go/internal/logger"
	"github.com/Luka-sama/draco-go/internal/ratelimit"
	"github.com/Luka-sama/draco-go/internal/scheduler"
	"github.com/Luka-sama/draco-go/internal/session"
	"github.com/Luka-sama/draco-go/internal/stream"
)

// Priorities for the scheduler's shared tick, lowest runs first.
const (
	priorityPingSweep = 10
	priorityLogFlush  = 90
)

func main() {
	if len(os.Args) > 1 && RunCLI(os.Args[1:]) {
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("[config] %v", err)
	}

	appLog := logger.New("server", nil, cfg.DefaultLogLevel, cfg.LogDestination, cfg.LogDir)

	c, err := codec.New(example.Provider{}, logger.New("codec", nil, cfg.DefaultLogLevel, cfg.LogDestination, cfg.LogDir))
	if err != nil {
		log.Fatalf("[codec] %v", err)
	}

	clk := clock.Real{}
	sched := scheduler.New(clk, logger.New("scheduler", nil, cfg.DefaultLogLevel, cfg.LogDestination, cfg.LogDir))

	registry := session.NewRegistry(c, clk, logger.New("session", nil, cfg.DefaultLogLevel, cfg.LogDestination, cfg.LogDir), cfg.sessionConfig())

	datagramLog := logger.New("datagram", nil, cfg.DefaultLogLevel, cfg.LogDestination, cfg.LogDir)
	transport, err := datagram.Listen(fmt.Sprintf(":%d", cfg.UDPPort), cfg.datagramConfig(), clk, datagramLog, registry.Lookup)
	if err != nil {
		log.Fatalf("[datagram] %v", err)
	}
	transport.RegisterPingSweep(sched, priorityPingSweep)
	transport.SetAdmission(ratelimit.NewAdmission(cfg.AdmissionRatePerSecond, cfg.AdmissionBurst))

	if cfg.LogDestination == logger.File {
		sched.AddTask(scheduler.NewTask("log-flush", time.Second, priorityLogFlush, scheduler.Infinite, nil,
			func(_ time.Duration, _ interface{}) error {
				return logger.Flush()
			}))
	}

	var tlsConfig *tls.Config
	if cfg.EnableTLS {
		tc, fingerprint, err := generateTLSConfig(cfg.CertValidity, "")
		if err != nil {
			log.Fatalf("[tls] %v", err)
		}
		appLog.Infof("TLS certificate fingerprint: %s", fingerprint)
		tlsConfig = tc
	}

	streamLog := logger.New("stream", nil, cfg.DefaultLogLevel, cfg.LogDestination, cfg.LogDir)
	streamSrv := stream.NewServer(fmt.Sprintf(":%d", cfg.WSPort), cfg.WSPath, tlsConfig, c, registry, streamLog)
	streamSrv.SetAdmission(ratelimit.NewAdmission(cfg.AdmissionRatePerSecond, cfg.AdmissionBurst))

	adminLog := logger.New("adminhttp", nil, cfg.DefaultLogLevel, cfg.LogDestination, cfg.LogDir)
	admin := adminhttp.New(adminhttp.Stats{
		SessionCount: registry.Count,
		TickCount:    func() uint64 { return uint64(sched.Tick()) },
		BytesIn:      transport.BytesIn,
		BytesOut:     transport.BytesOut,
		Datagrams:    transport.Datagrams,
	}, adminLog)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		appLog.Infof("shutting down...")
		cancel()
	}()

	sched.Init(cfg.TickPeriod)
	defer sched.Stop()

	go func() {
		if err := transport.Serve(); err != nil {
			appLog.Warnf("datagram transport stopped: %v", err)
		}
	}()
	go admin.Run(ctx, cfg.AdminAddr)

	appLog.Infof("listening: ws :%d%s, udp :%d, admin %s", cfg.WSPort, cfg.WSPath, cfg.UDPPort, cfg.AdminAddr)
	if err := streamSrv.Run(ctx); err != nil {
		appLog.Errorf("stream server: %v", err)
	}
	_ = transport.Close()
}
