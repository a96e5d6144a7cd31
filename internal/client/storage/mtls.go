package storage

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/atinyakov/keygate/internal/authd"
)

// Client certificate file names written by Pair.
const (
	ClientCertFile = "client.crt"
	ClientKeyFile  = "client.key"
)

func caPool(caPEM []byte) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, errors.New("failed to parse CA cert")
	}
	return pool, nil
}

// Pair asks authd at pairURL for a client certificate named name and writes
// it to dir. Only the server is authenticated during pairing.
func Pair(ctx context.Context, pairURL, name, caPath, dir string) error {
	caPEM, err := os.ReadFile(caPath)
	if err != nil {
		return fmt.Errorf("failed to read CA cert: %w", err)
	}
	pool, err := caPool(caPEM)
	if err != nil {
		return err
	}
	client := &http.Client{
		Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}},
		Timeout:   10 * time.Second,
	}

	b, err := json.Marshal(authd.PairRequest{Name: name})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, pairURL, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("pair failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error: %s", bytes.TrimSpace(data))
	}

	var pr authd.PairResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, ClientCertFile), []byte(pr.Cert), 0o600); err != nil {
		return fmt.Errorf("failed to save %s: %w", ClientCertFile, err)
	}
	if err := os.WriteFile(filepath.Join(dir, ClientKeyFile), []byte(pr.Key), 0o600); err != nil {
		return fmt.Errorf("failed to save %s: %w", ClientKeyFile, err)
	}
	return nil
}

// NewMTLSClient builds an HTTP client that presents certPEM/keyPEM and
// trusts only caPEM.
func NewMTLSClient(certPEM, keyPEM, caPEM []byte) (*http.Client, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to load client cert/key: %w", err)
	}
	pool, err := caPool(caPEM)
	if err != nil {
		return nil, err
	}
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			RootCAs:      pool,
			MinVersion:   tls.VersionTLS12,
		},
	}
	// No client timeout: prompt results are long-polled under a context.
	return &http.Client{Transport: transport}, nil
}

// LoadClientCertificate reads the files written by Pair and builds the
// mTLS client.
func LoadClientCertificate(certFile, keyFile, caFile string) (*http.Client, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read client cert: %w", err)
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read client key: %w", err)
	}
	caPEM, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA cert: %w", err)
	}
	return NewMTLSClient(certPEM, keyPEM, caPEM)
}
