// Package main prints fresh credentials for a broker deployment: a server secret for
// INFI_SERVER_SECRET and a browser API key. Neither is stored anywhere; the secret
// goes into the deployment's environment and the key is handed to the browser.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/infi-control/gateway-broker/internal/auth"
	"github.com/infi-control/gateway-broker/internal/config"
	"github.com/infi-control/gateway-broker/internal/crypto"
)

func main() {
	prefix := flag.String("prefix", auth.DefaultAPIKeyPrefix, "API key prefix (empty for none)")
	secretOnly := flag.Bool("secret-only", false, "print only the server secret")
	flag.Parse()

	if err := run(os.Stdout, *prefix, *secretOnly); err != nil {
		fmt.Fprintf(os.Stderr, "keygen: %v\n", err)
		os.Exit(1)
	}
}

func run(w io.Writer, prefix string, secretOnly bool) error {
	secret, err := crypto.GenerateSecret()
	if err != nil {
		return fmt.Errorf("failed to generate server secret: %w", err)
	}
	if secretOnly {
		_, err := fmt.Fprintln(w, secret)
		return err
	}

	key, err := auth.GenerateAPIKey(prefix)
	if err != nil {
		return fmt.Errorf("failed to generate API key: %w", err)
	}
	_, err = fmt.Fprintf(w, "%s=%s\nAPI_KEY=%s\n", config.ServerSecretEnv, secret, key)
	return err
}
