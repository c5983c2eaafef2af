package main

import (
	"fmt"
	"time"

	ronin "github.com/coolfiresolutions/ronin-go"
)

const requestTimeout = 30 * time.Second

// newSession builds a session from the stored config, restoring a saved
// token pair when one exists.
func newSession(cfg *Config) (*ronin.Session, error) {
	if cfg.Default.BaseURL == "" {
		return nil, fmt.Errorf("no server configured; run 'ronin config set default.base_url <url>' first")
	}
	session := ronin.NewSession(cfg.Default.BaseURL, cfg.Default.ClientID, cfg.Default.ClientSecret)
	if cfg.Auth.AccessToken != "" {
		session.Restore(ronin.AuthToken{
			UserID:       cfg.Auth.UserID,
			AccessToken:  cfg.Auth.AccessToken,
			RefreshToken: cfg.Auth.RefreshToken,
		})
	}
	return session, nil
}

// newClient builds a signed-in REST client from the stored config. The
// session's refresh listener persists rotated tokens back to disk so the
// next invocation picks them up.
func newClient(cfg *Config) (*ronin.Client, error) {
	session, err := newSession(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Auth.AccessToken == "" {
		return nil, fmt.Errorf("not signed in; run 'ronin login <username>' first")
	}
	session.OnRefresh(func(token ronin.AuthToken) {
		cfg.Auth.UserID = token.UserID
		cfg.Auth.AccessToken = token.AccessToken
		cfg.Auth.RefreshToken = token.RefreshToken
		_ = saveConfig(cfg)
	})
	return ronin.NewClient(cfg.Default.BaseURL, session), nil
}

// requireNetwork returns the configured network id.
func requireNetwork(cfg *Config) (string, error) {
	if cfg.Auth.NetworkID == "" {
		return "", fmt.Errorf("no network configured; run 'ronin login <username>' again")
	}
	return cfg.Auth.NetworkID, nil
}

// scopeKind maps a CLI flag value to a conversation kind.
func scopeKind(s string) ronin.ScopeKind {
	switch s {
	case "user":
		return ronin.ScopeUser
	case "userGroup", "group":
		return ronin.ScopeUserGroup
	default:
		return ronin.ScopeSession
	}
}

// formatWhen renders a timestamp for list output.
func formatWhen(t ronin.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
