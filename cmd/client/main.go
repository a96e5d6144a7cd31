// Package main is the keygate client: a note vault whose notes are
// encrypted with a key that only unlocks after authenticating on authd.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"go.uber.org/zap"

	"github.com/atinyakov/keygate/internal/authd"
	"github.com/atinyakov/keygate/internal/capability"
	"github.com/atinyakov/keygate/internal/client/storage"
	"github.com/atinyakov/keygate/internal/config"
	"github.com/atinyakov/keygate/internal/db"
	"github.com/atinyakov/keygate/internal/keyed"
	"github.com/atinyakov/keygate/internal/logger"
	"github.com/atinyakov/keygate/internal/models"
	"github.com/atinyakov/keygate/internal/repository"
	"github.com/atinyakov/keygate/internal/service"
	"github.com/atinyakov/keygate/internal/session"
	"github.com/atinyakov/keygate/internal/softstore"
)

var (
	version   string
	buildDate string
)

// keyRepository is what the software key store, the cleaner and the
// shell's key commands need from a key-record backend.
type keyRepository interface {
	softstore.Repository
	db.Purger
	KeyRecords
}

// main parses command-line flags and dispatches to the pair or shell commands.
func main() {
	var (
		cmd     string
		showVer bool
	)
	fs := flag.NewFlagSet("client", flag.ExitOnError)
	fs.StringVar(&cmd, "cmd", "shell", "command: pair | shell")
	fs.BoolVar(&showVer, "version", false, "show build version and date")

	options, err := config.ParseFlagSet(fs, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if showVer {
		fmt.Printf("keygate client\nVersion: %s\nBuild Date: %s\n", version, buildDate)
		return
	}

	log := logger.New()
	defer func() { _ = log.Log.Sync() }()
	if err := log.Init(options.LogLevel); err != nil {
		fmt.Fprintln(os.Stderr, "failed to init logger:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch cmd {
	case "pair":
		err = storage.Pair(ctx, options.URL+"/api/pair", options.ClientName, options.CertPath("ca.crt"), options.CertDir)
		if err == nil {
			fmt.Println("✅ Pairing successful. Certificate and key saved.")
		}
	case "shell":
		err = runShell(ctx, options, log.Log)
	default:
		err = fmt.Errorf("unknown command: %s", cmd)
	}
	if err != nil {
		log.Log.Error("client", zap.Error(err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runShell(ctx context.Context, options *config.Options, log *zap.Logger) error {
	certFile := options.CertPath(storage.ClientCertFile)
	hc, err := storage.LoadClientCertificate(certFile, options.CertPath(storage.ClientKeyFile), options.CertPath("ca.crt"))
	if err != nil {
		return fmt.Errorf("%w (run with -cmd pair first)", err)
	}
	client := authd.NewClient(options.URL, hc, log)

	repo, err := openKeyRepository(ctx, options)
	if err != nil {
		return err
	}
	db.StartInvalidatedKeyCleaner(ctx, repo, time.Hour, options.KeyRetention.Std(), log)

	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return err
	}
	wrap, err := softstore.NewWrapperFromPEM(certPEM)
	if err != nil {
		return err
	}
	store := softstore.New(repo, wrap, client, log)

	policy := models.Policy{
		AllowWeakBiometrics:   options.AllowWeakBiometrics,
		AllowDeviceCredential: options.AllowDeviceCredential,
	}
	provider := keyed.NewProvider(store, store, log)
	guard := service.NewGuard(
		capability.NewProbe(client, log),
		session.NewAuthenticator(client, log),
		provider,
		policy,
		log,
	)

	vault := storage.NewLocalStorage(options.Vault)
	if err := vault.Load(); err != nil {
		return err
	}

	storage.StartEnrollmentWatch(ctx, client, 30*time.Second,
		func(_, _ string) {
			fmt.Println("\n⚠ Biometric enrollment changed on the device; keys bound to it are no longer usable.")
		},
		func(err error) { log.Warn("enrollment watch", zap.Error(err)) },
	)

	sh := &shell{
		guard:   guard,
		vault:   vault,
		keys:    repo,
		keygen:  provider,
		device:  client,
		keyName: options.KeyName,
		in:      bufio.NewScanner(os.Stdin),
		out:     os.Stdout,
	}
	sh.repl(ctx)
	return nil
}

func openKeyRepository(ctx context.Context, options *config.Options) (keyRepository, error) {
	if options.DatabaseDSN == "" {
		repo, err := repository.NewFileKeyRepository(options.KeyStore)
		if err != nil {
			return nil, err
		}
		return repo, nil
	}
	conn, err := db.InitPostgres(ctx, options.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("cannot init database: %w", err)
	}
	return repository.NewPostgresKeyRepository(conn), nil
}
