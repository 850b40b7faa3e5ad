package connection

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// Scope is the OAuth2 scope requested for Datastore.
const Scope = "https://www.googleapis.com/auth/datastore"

// authorizedClient builds the HTTP client for cfg and returns the project id
// found in the credentials, if any.
func authorizedClient(ctx context.Context, cfg Config) (*http.Client, string, error) {
	if cfg.EmulatorHost != "" {
		return &http.Client{Timeout: cfg.Timeout}, "", nil
	}

	var (
		creds *google.Credentials
		err   error
	)
	if cfg.CredentialsFile != "" {
		data, rerr := os.ReadFile(cfg.CredentialsFile)
		if rerr != nil {
			return nil, "", fmt.Errorf("connection: read credentials: %w", rerr)
		}
		creds, err = google.CredentialsFromJSON(ctx, data, Scope)
	} else {
		creds, err = google.FindDefaultCredentials(ctx, Scope)
	}
	if err != nil {
		return nil, "", fmt.Errorf("connection: credentials: %w", err)
	}

	client := oauth2.NewClient(ctx, creds.TokenSource)
	client.Timeout = cfg.Timeout
	return client, creds.ProjectID, nil
}
