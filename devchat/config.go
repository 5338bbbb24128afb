package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/knu-devchat/devchat-frontend/cache"
	"github.com/knu-devchat/devchat-frontend/directory"
	"github.com/knu-devchat/devchat-frontend/history"
	"github.com/knu-devchat/devchat-frontend/internal/rest"
)

var errNoSession = errors.New("no session: pass --session or set DEVCHAT_SESSION")

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// splitList flattens repeated and comma-separated values, dropping blanks.
func splitList(values []string) []string {
	var out []string
	for _, raw := range values {
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// wsOrigin derives the websocket origin from the REST base URL: the scheme
// maps http to ws and https to wss, and the path is dropped.
func wsOrigin(apiURL string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", fmt.Errorf("parse api url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("api url %q: unsupported scheme %q", apiURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("api url %q: missing host", apiURL)
	}
	return u.Scheme + "://" + u.Host, nil
}

// clientEnv is what the client commands share.
type clientEnv struct {
	api     *rest.Client
	dir     *directory.Client
	history *history.Loader
	wsURL   string
	cache   *cache.Cache
}

func newClientEnv() (*clientEnv, error) {
	if flagSession == "" {
		return nil, errNoSession
	}
	ws := flagWSURL
	if ws == "" {
		var err error
		if ws, err = wsOrigin(flagAPIURL); err != nil {
			return nil, err
		}
	}
	api := rest.New(flagAPIURL, flagSession, nil)
	env := &clientEnv{
		api:     api,
		dir:     directory.New(api, &log.Logger),
		history: history.New(api, history.WithLogger(log.Logger)),
		wsURL:   ws,
	}
	if flagCacheDir != "" {
		c, err := cache.Open(flagCacheDir, cache.DefaultLimit)
		if err != nil {
			log.Warn().Err(err).Msg("[devchat] open cache failed; running without cache")
		} else {
			env.cache = c
		}
	}
	return env, nil
}

func (e *clientEnv) Close() {
	if err := e.cache.Close(); err != nil {
		log.Warn().Err(err).Msg("[devchat] cache close error")
	}
}
