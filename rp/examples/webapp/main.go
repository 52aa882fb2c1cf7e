// webapp is a minimal relying party: it puts a page behind an OpenID
// Provider login using the authorization code flow.
//
// Required configuration environment variables:
//
//	OIDC_ISSUER        the provider's issuer URL
//	OIDC_CLIENT_ID     the relying party's client id
//	OIDC_CLIENT_SECRET the relying party's client secret
//
// Optional:
//
//	PORT        the port to listen on (default 8080)
//	REDIS_ADDR  a redis address for shared session storage; sessions are
//	            kept in memory when unset
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/go-hclog"
	"github.com/redis/go-redis/v9"

	"github.com/ridgelight/oidcrp/rp"
	"github.com/ridgelight/oidcrp/rp/backend"
	"github.com/ridgelight/oidcrp/rp/session"
)

type config struct {
	Issuer       string `env:"OIDC_ISSUER,required"`
	ClientID     string `env:"OIDC_CLIENT_ID,required"`
	ClientSecret string `env:"OIDC_CLIENT_SECRET,required"`
	Port         string `env:"PORT" envDefault:"8080"`
	RedisAddr    string `env:"REDIS_ADDR"`
}

func main() {
	logger := hclog.New(&hclog.LoggerOptions{Name: "webapp"})
	if err := run(logger); err != nil {
		logger.Error("exiting", "error", err)
		os.Exit(1)
	}
}

func run(logger hclog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("unable to parse configuration: %w", err)
	}

	var store rp.SessionStore
	switch {
	case cfg.RedisAddr != "":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		s, err := session.NewRedis(client)
		if err != nil {
			return err
		}
		store = s
		logger.Info("using redis sessions", "addr", cfg.RedisAddr)
	default:
		store = session.NewMemory()
		logger.Info("using in-memory sessions")
	}

	redirectURL := fmt.Sprintf("http://localhost:%s/oidc/callback", cfg.Port)
	backendCfg, err := backend.NewConfig(
		cfg.Issuer,
		cfg.ClientID,
		backend.ClientSecret(cfg.ClientSecret),
		[]backend.Alg{backend.RS256, backend.ES256},
		redirectURL,
		backend.WithScopes([]string{"email"}),
		backend.WithLogger(logger.Named("backend")),
	)
	if err != nil {
		return err
	}
	authn, err := backend.New(ctx, backendCfg)
	if err != nil {
		return err
	}
	md, err := authn.Metadata()
	if err != nil {
		return err
	}

	rpCfg, err := rp.NewConfig(cfg.ClientID, "/oidc/callback",
		rp.WithMetadataSource(md),
		rp.WithLoginRedirectURL("/"),
		rp.WithLoginFailureURL("/?login=failed"),
		rp.WithLogoutRedirectURL("/"),
		rp.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	authenticate, err := rp.AuthenticationRequest(ctx, rpCfg, store)
	if err != nil {
		return err
	}
	callback, err := rp.Callback(ctx, rpCfg, authn, store)
	if err != nil {
		return err
	}
	logout, err := rp.Logout(ctx, rpCfg, store)
	if err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/oidc/authenticate", authenticate)
	r.Get("/oidc/callback", callback)
	r.Get("/oidc/logout", logout)
	r.Get("/", index(store))

	srv := &http.Server{
		Addr:    net.JoinHostPort("", cfg.Port),
		Handler: r,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// index shows who is logged in, with links to start and end a login.
func index(store rp.SessionStore) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		sess, err := store.Load(req.Context(), w, req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		p, err := sess.Principal(req.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if p == nil {
			fmt.Fprint(w, `<html><body>`)
			if req.URL.Query().Get("login") == "failed" {
				fmt.Fprint(w, `<p>Login failed.</p>`)
			}
			fmt.Fprint(w, `<p>Not logged in. <a href="/oidc/authenticate?next=/">Log in</a></p></body></html>`)
			return
		}

		claims, _ := json.MarshalIndent(p.Claims, "", "  ")
		fmt.Fprintf(w, `<html><body><p>Logged in as %s (%s). <a href="/oidc/logout">Log out</a></p><pre>%s</pre></body></html>`,
			p.Email, p.ID, claims)
	}
}
