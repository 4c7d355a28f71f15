// letterlockd is the sealed-letter key-management daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/jhossain3/signed-letters-sub000/internal/platform"
	"github.com/jhossain3/signed-letters-sub000/internal/server"
)

func main() {
	var (
		envFile = flag.String("env", ".env", "env file to load (ignored when missing)")
		addr    = flag.String("addr", "", "listen address (overrides LETTERLOCK_ADDR)")
		debug   = flag.Bool("debug", false, "debug logging")
	)
	flag.Parse()

	_ = godotenv.Load(*envFile)

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()

	// Unwrapped key material lives in this process.
	if err := platform.DisableCoreDumps(); err != nil {
		log.Warn().Err(err).Msg("could not disable core dumps")
	}

	cfg := configFromEnv()
	if *addr != "" {
		cfg.Addr = *addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("server init failed")
	}
	defer srv.Close()

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", cfg.Addr).Msg("letterlockd listening")
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("listen failed")
	}
}

func configFromEnv() server.Config {
	ttl := 15 * time.Minute
	if v := os.Getenv("LETTERLOCK_TOKEN_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			ttl = d
		}
	}
	return server.Config{
		Addr:            os.Getenv("LETTERLOCK_ADDR"),
		MongoURI:        os.Getenv("LETTERLOCK_MONGO_URI"),
		MongoDB:         os.Getenv("LETTERLOCK_MONGO_DB"),
		UsersCollection: os.Getenv("LETTERLOCK_USERS_COLLECTION"),
		JWTIssuer:       os.Getenv("LETTERLOCK_JWT_ISSUER"),
		TokenTTL:        ttl,
		SMTP: server.SMTPConfig{
			Host:     os.Getenv("LETTERLOCK_SMTP_HOST"),
			Port:     os.Getenv("LETTERLOCK_SMTP_PORT"),
			User:     os.Getenv("LETTERLOCK_SMTP_USER"),
			Pass:     os.Getenv("LETTERLOCK_SMTP_PASS"),
			From:     os.Getenv("LETTERLOCK_SMTP_FROM"),
			Security: os.Getenv("LETTERLOCK_SMTP_SECURITY"),
		},
		Admin: server.AdminSeed{
			Email:    os.Getenv("LETTERLOCK_ADMIN_EMAIL"),
			Password: os.Getenv("LETTERLOCK_ADMIN_PASSWORD"),
		},
	}
}
