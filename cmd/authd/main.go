// Package main runs authd, the simulated platform authenticator: an HTTPS
// API for paired clients and an operator console on stdin standing in for
// the person touching the sensor.
package main

import (
	"cmp"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	nethttp "net/http"

	"go.uber.org/zap"

	"github.com/atinyakov/keygate/internal/authd"
	"github.com/atinyakov/keygate/internal/certgen"
	"github.com/atinyakov/keygate/internal/config"
	"github.com/atinyakov/keygate/internal/logger"
	"github.com/atinyakov/keygate/internal/middleware"
	"github.com/atinyakov/keygate/internal/models"
	"github.com/atinyakov/keygate/internal/server/handler/http"
)

var (
	// version holds the build version set via ldflags.
	version string
	// buildDate holds the build timestamp set via ldflags.
	buildDate string
)

func main() {
	options, err := config.Parse("authd", os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	fmt.Printf("Build version: %s\n", cmp.Or(version, "N/A"))
	fmt.Printf("Build date: %s\n", cmp.Or(buildDate, "N/A"))

	log := logger.New()
	defer func() { _ = log.Log.Sync() }()
	if err := log.Init(options.LogLevel); err != nil {
		fmt.Fprintln(os.Stderr, "failed to init logger:", err)
		os.Exit(1)
	}
	zapLogger := log.Log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The CA signs client certificates handed out by pairing.
	ca, err := certgen.LoadAuthority(options.CertPath("ca.crt"), options.CertPath("ca.key"))
	if err != nil {
		zapLogger.Fatal("failed to load CA (run tools/certgen first)", zap.Error(err))
	}

	enrolled := models.ParseAuthenticators(options.Enrolled)
	device := authd.NewDevice(enrolled, authd.Options{
		PromptTimeout:    options.PromptTimeout.Std(),
		LockoutThreshold: options.LockoutThreshold,
		LockoutWindow:    options.LockoutWindow.Std(),
	}, zapLogger)
	broker := authd.NewBroker(device, zapLogger)
	// clients re-poll every long-poll wait, so a prompt unpolled for minutes
	// belongs to a client that went away
	broker.StartCleanup(ctx, time.Minute, 3*time.Minute)

	limiter := middleware.NewRateLimiter(options.RateLimit, options.RateBurst)
	limiter.StartCleanup(ctx, time.Minute, 10*time.Minute)

	router := http.NewRouter(
		&http.PairingHandler{Issuer: ca, CAPEM: ca.CertPEM(), Log: zapLogger},
		&http.DeviceHandler{Platform: device, Prompts: broker, LongPoll: 20 * time.Second, Log: zapLogger},
		limiter,
		zapLogger,
	)

	cert, err := tls.LoadX509KeyPair(options.CertPath("server.crt"), options.CertPath("server.key"))
	if err != nil {
		zapLogger.Fatal("failed to load server TLS cert/key", zap.Error(err))
	}
	caCertPool := x509.NewCertPool()
	caCertPool.AddCert(ca.Cert)

	// Pairing clients have no certificate yet, so verification is only
	// enforced when one is presented; CertAuth rejects the rest.
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.VerifyClientCertIfGiven,
		ClientCAs:    caCertPool,
		MinVersion:   tls.VersionTLS12,
	}

	server := &nethttp.Server{
		Addr:              options.Addr,
		Handler:           router,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		console := authd.NewConsole(device, os.Stdin, os.Stdout)
		if err := console.Run(); err != nil {
			zapLogger.Error("console", zap.Error(err))
		}
		stop()
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			zapLogger.Warn("shutdown", zap.Error(err))
		}
	}()

	zapLogger.Info("starting authd",
		zap.String("addr", options.Addr),
		zap.Stringer("enrolled", enrolled),
	)
	if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
		zapLogger.Fatal("failed to start HTTPS server", zap.Error(err))
	}
}
