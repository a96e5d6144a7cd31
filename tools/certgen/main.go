// Package main generates the authd CA, server and an initial client
// certificate, writing them under the certs directory.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mitchellh/go-homedir"

	"github.com/atinyakov/keygate/internal/certgen"
)

func main() {
	dir := flag.String("dir", "~/.keygate/certs", "output directory")
	hosts := flag.String("hosts", "localhost,127.0.0.1", "comma separated server names and addresses")
	client := flag.String("client", "keygate-client", "common name of the initial client certificate, empty to skip")
	flag.Parse()

	out, err := homedir.Expand(*dir)
	if err == nil {
		err = run(out, splitHosts(*hosts), *client)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "certgen:", err)
		os.Exit(1)
	}
	fmt.Printf("✅ Certificates generated into %s\n", out)
}

// run writes ca.{crt,key}, server.{crt,key} and, when client is set,
// client.{crt,key} into dir.
func run(dir string, hosts []string, client string) error {
	ca, err := certgen.NewAuthority("keygate authd CA")
	if err != nil {
		return err
	}
	caKey, err := ca.KeyPEM()
	if err != nil {
		return err
	}
	if err := certgen.WritePair(dir, "ca", ca.CertPEM(), caKey); err != nil {
		return err
	}

	certPEM, keyPEM, err := ca.IssueServerCertificate(hosts...)
	if err != nil {
		return fmt.Errorf("server certificate: %w", err)
	}
	if err := certgen.WritePair(dir, "server", certPEM, keyPEM); err != nil {
		return err
	}

	if client == "" {
		return nil
	}
	certPEM, keyPEM, err = ca.IssueClientCertificate(client)
	if err != nil {
		return fmt.Errorf("client certificate: %w", err)
	}
	return certgen.WritePair(dir, "client", certPEM, keyPEM)
}

func splitHosts(s string) []string {
	var out []string
	for _, h := range strings.Split(s, ",") {
		if h = strings.TrimSpace(h); h != "" {
			out = append(out, h)
		}
	}
	return out
}
