// Package config provides functionality for managing configuration options
// for the keygate binaries using command-line flags, environment variables,
// a .env file and an optional JSON config file.
package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/mitchellh/go-homedir"
)

// Duration is a time.Duration written as "30s" in JSON, env and flags.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Options holds the configuration values shared by authd and the client.
type Options struct {
	// Addr is the address authd listens on (ip:port).
	Addr string `json:"addr" validate:"required,hostname_port"`
	// URL is where the client reaches authd.
	URL string `json:"url" validate:"required,url"`
	// CertDir holds ca.crt, ca.key, server.crt, server.key and the client
	// pair written by pairing.
	CertDir string `json:"cert_dir" validate:"required"`

	// DatabaseDSN selects the PostgreSQL key store when set; the file
	// store at KeyStore is used otherwise.
	DatabaseDSN string `json:"database_dsn"`
	KeyStore    string `json:"key_store" validate:"required"`
	Vault       string `json:"vault" validate:"required"`
	KeyName     string `json:"key_name" validate:"required,max=64"`
	ClientName  string `json:"client_name" validate:"required,max=64,hostname_rfc1123"`

	AllowWeakBiometrics   bool `json:"allow_weak_biometrics"`
	AllowDeviceCredential bool `json:"allow_device_credential"`

	// Enrolled is the authenticator set the simulated device starts with.
	Enrolled         string   `json:"enrolled" validate:"required"`
	PromptTimeout    Duration `json:"prompt_timeout" validate:"gte=0"`
	LockoutThreshold int      `json:"lockout_threshold" validate:"gte=0"`
	LockoutWindow    Duration `json:"lockout_window" validate:"gte=0"`
	RateLimit        float64  `json:"rate_limit" validate:"gt=0"`
	RateBurst        int      `json:"rate_burst" validate:"gt=0"`
	KeyRetention     Duration `json:"key_retention" validate:"gt=0"`

	LogLevel string `json:"log_level" validate:"oneof=debug info warn error"`

	// Config is the path to the JSON config file.
	Config string `json:"-"`
}

// CertPath returns the path of name inside CertDir.
func (o *Options) CertPath(name string) string {
	return filepath.Join(o.CertDir, name)
}

// envVars maps flag names to the environment variables overriding them.
var envVars = map[string]string{
	"a":                       "AUTHD_ADDRESS",
	"url":                     "AUTHD_URL",
	"certs":                   "CERT_DIR",
	"d":                       "DATABASE_DSN",
	"keys":                    "KEY_STORE",
	"vault":                   "VAULT",
	"key-name":                "KEY_NAME",
	"name":                    "CLIENT_NAME",
	"allow-weak":              "ALLOW_WEAK_BIOMETRICS",
	"allow-device-credential": "ALLOW_DEVICE_CREDENTIAL",
	"enrolled":                "ENROLLED",
	"prompt-timeout":          "PROMPT_TIMEOUT",
	"lockout":                 "LOCKOUT_THRESHOLD",
	"lockout-window":          "LOCKOUT_WINDOW",
	"rate":                    "RATE_LIMIT",
	"burst":                   "RATE_BURST",
	"key-retention":           "KEY_RETENTION",
	"l":                       "LOG_LEVEL",
}

func defaults() *Options {
	return &Options{
		Addr:             "localhost:8443",
		URL:              "https://localhost:8443",
		CertDir:          "~/.keygate/certs",
		KeyStore:         "~/.keygate/keys.json",
		Vault:            "~/.keygate/vault.json",
		KeyName:          "biometric_demo_key",
		ClientName:       "keygate-client",
		Enrolled:         "strong,credential",
		PromptTimeout:    Duration(30 * time.Second),
		LockoutThreshold: 5,
		LockoutWindow:    Duration(30 * time.Second),
		RateLimit:        10,
		RateBurst:        20,
		KeyRetention:     Duration(30 * 24 * time.Hour),
		LogLevel:         "info",
	}
}

// FlagSet registers every option on fs with its default.
func (o *Options) FlagSet(fs *flag.FlagSet) {
	fs.StringVar(&o.Addr, "a", o.Addr, "authd listen address (ip:port)")
	fs.StringVar(&o.URL, "url", o.URL, "authd base URL")
	fs.StringVar(&o.CertDir, "certs", o.CertDir, "certificate directory")
	fs.StringVar(&o.DatabaseDSN, "d", o.DatabaseDSN, "postgres DSN for the key store")
	fs.StringVar(&o.KeyStore, "keys", o.KeyStore, "key store file (when no DSN is set)")
	fs.StringVar(&o.Vault, "vault", o.Vault, "encrypted note vault file")
	fs.StringVar(&o.KeyName, "key-name", o.KeyName, "name of the protected key")
	fs.StringVar(&o.ClientName, "name", o.ClientName, "client name used when pairing")
	fs.BoolVar(&o.AllowWeakBiometrics, "allow-weak", o.AllowWeakBiometrics, "accept class 2 biometrics")
	fs.BoolVar(&o.AllowDeviceCredential, "allow-device-credential", o.AllowDeviceCredential, "fall back to the device credential")
	fs.StringVar(&o.Enrolled, "enrolled", o.Enrolled, "authenticators enrolled at authd start (strong,weak,credential)")
	fs.TextVar(&o.PromptTimeout, "prompt-timeout", o.PromptTimeout, "dismiss unanswered prompts after this long")
	fs.IntVar(&o.LockoutThreshold, "lockout", o.LockoutThreshold, "rejected biometrics before lockout (0 disables)")
	fs.TextVar(&o.LockoutWindow, "lockout-window", o.LockoutWindow, "how long a lockout lasts")
	fs.Float64Var(&o.RateLimit, "rate", o.RateLimit, "requests per second per client")
	fs.IntVar(&o.RateBurst, "burst", o.RateBurst, "request burst per client")
	fs.TextVar(&o.KeyRetention, "key-retention", o.KeyRetention, "keep invalidated keys this long")
	fs.StringVar(&o.LogLevel, "l", o.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&o.Config, "config", o.Config, "path to config file")
	fs.StringVar(&o.Config, "c", o.Config, "path to config file (shorthand)")
}

// Parse reads a .env file if present and then builds Options from args
// (without the program name). Sources apply in order: defaults, JSON
// config file, environment, flags given on the command line.
func Parse(name string, args []string) (*Options, error) {
	return ParseFlagSet(flag.NewFlagSet(name, flag.ContinueOnError), args)
}

// ParseFlagSet is Parse on a caller supplied flag set, which may already
// carry flags of its own.
func ParseFlagSet(fs *flag.FlagSet, args []string) (*Options, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return parse(fs, args, os.Getenv)
}

func parse(fs *flag.FlagSet, args []string, getenv func(string) string) (*Options, error) {
	o := defaults()
	o.FlagSet(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	explicit := map[string]string{}
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = f.Value.String() })

	if p := getenv("CONFIG"); p != "" {
		if _, ok := explicit["c"]; !ok {
			if _, ok := explicit["config"]; !ok {
				o.Config = p
			}
		}
	}
	if o.Config != "" {
		path, err := homedir.Expand(o.Config)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error while reading config file: %w", err)
		}
		if err := json.Unmarshal(data, o); err != nil {
			return nil, fmt.Errorf("error while parsing config file: %w", err)
		}
	}

	for flagName, env := range envVars {
		v := getenv(env)
		if v == "" {
			continue
		}
		if err := fs.Lookup(flagName).Value.Set(v); err != nil {
			return nil, fmt.Errorf("%s: %w", env, err)
		}
	}
	for flagName, v := range explicit {
		if err := fs.Lookup(flagName).Value.Set(v); err != nil {
			return nil, fmt.Errorf("-%s: %w", flagName, err)
		}
	}

	for _, p := range []*string{&o.CertDir, &o.KeyStore, &o.Vault} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return nil, err
		}
		*p = expanded
	}

	if err := validator.New().Struct(o); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return o, nil
}
