package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/vaanskii/vansify"
)

// session bundles what a command needs to talk to the server.
type session struct {
	cfg    *Config
	auth   *vansify.Session
	client *vansify.Client
	logger *zap.Logger
}

// newLogger builds the CLI logger from [log] level, or a development
// logger when --debug is set.
func newLogger(cfg *Config) (*zap.Logger, error) {
	if debugLogging {
		return zap.NewDevelopment()
	}
	zc := zap.NewProductionConfig()
	if cfg.Log.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Log.Level)
		if err != nil {
			return nil, fmt.Errorf("log.level: %w", err)
		}
		zc.Level = level
	} else {
		zc.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	return zc.Build()
}

// openSession loads the config and restores the stored login, refreshing
// an expired access token when a refresh token is stored.
func openSession(ctx context.Context) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.AccessToken == "" {
		return nil, errors.New("not logged in, run 'vansify login <access-token>' first")
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	auth := vansify.NewSession()
	if err := auth.SetToken(cfg.Auth.AccessToken, cfg.Auth.RefreshToken, cfg.Auth.Username); err != nil {
		return nil, fmt.Errorf("stored access token: %w", err)
	}
	client := vansify.NewClient(cfg.Default.BaseURL, auth)

	if !auth.IsAuthenticated() {
		if cfg.Auth.RefreshToken == "" {
			return nil, errors.New("access token expired, run 'vansify login' again")
		}
		access, err := client.RefreshToken(ctx, cfg.Auth.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("refresh access token: %w", err)
		}
		if err := auth.SetToken(access, cfg.Auth.RefreshToken, cfg.Auth.Username); err != nil {
			return nil, fmt.Errorf("refreshed access token: %w", err)
		}
		storeLogin(cfg, auth)
		if err := saveConfig(cfg); err != nil {
			return nil, fmt.Errorf("failed to save config: %w", err)
		}
		logger.Info("access token refreshed", zap.String("username", auth.Username()))
	}

	return &session{cfg: cfg, auth: auth, client: client, logger: logger}, nil
}

// storeLogin copies the session into the [auth] section.
func storeLogin(cfg *Config, auth *vansify.Session) {
	cfg.Auth.AccessToken = auth.Token()
	cfg.Auth.RefreshToken = auth.RefreshToken()
	cfg.Auth.Username = auth.Username()
	cfg.Auth.TokenExpires = ""
	if exp := auth.ExpiresAt(); !exp.IsZero() {
		cfg.Auth.TokenExpires = exp.UTC().Format(time.RFC3339)
	}
}

// openCache opens the offline cache selected by [cache] path.
func openCache(cfg *Config) (vansify.Cache, error) {
	path := cfg.Cache.Path
	switch path {
	case "memory":
		return vansify.NewMemoryCache(), nil
	case "":
		dir, err := configDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, "cache.db")
	}
	return vansify.OpenSQLiteCache(path)
}

func (s *session) reconcilerOptions(cache vansify.Cache) []vansify.ReconcilerOption {
	opts := []vansify.ReconcilerOption{
		vansify.WithLogger(s.logger),
		vansify.WithShowEmptyChats(s.cfg.Default.ShowEmptyChats),
	}
	if cache != nil {
		opts = append(opts, vansify.WithCache(cache))
	}
	return opts
}

// maskKey shows the first 6 and last 4 characters of a token.
func maskKey(key string) string {
	switch {
	case key == "":
		return ""
	case len(key) <= 12:
		return "****"
	default:
		return key[:6] + "..." + key[len(key)-4:]
	}
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
