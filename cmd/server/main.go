package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"rsachat/pkg/auth"
	"rsachat/pkg/config"
	"rsachat/pkg/crypto"
	"rsachat/pkg/events"
	"rsachat/pkg/logging"
	"rsachat/pkg/server"
	"rsachat/pkg/store"
)

var version = "1.0.0"

func main() {
	memguard.CatchInterrupt()
	defer memguard.Purge()

	fs := pflag.NewFlagSet("rsachat-server", pflag.ExitOnError)
	config.ServerFlags(fs)

	cfg, err := config.Load(fs, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(2)
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		fmt.Fprintf(os.Stderr, "Logging error: %v\n", err)
		os.Exit(2)
	}

	fmt.Printf("RSA Chat Server v%s\n", version)
	fmt.Printf("Textbook RSA with challenge-response login\n\n")

	if err := run(cfg); err != nil {
		log.Error().Err(err).Msg("Server failed")
		memguard.SafeExit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Int("prime_bits", cfg.PrimeBits).Msg("Generating server keypair")
	start := time.Now()
	keys, err := crypto.GenerateKeyPair(nil, cfg.PrimeBits)
	if err != nil {
		return fmt.Errorf("key generation: %w", err)
	}
	log.Info().Dur("took", time.Since(start)).Int("modulus_bits", keys.Public.N.BitLen()).Msg("Server keypair ready")

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	authn := auth.New(st,
		auth.WithSessionTimeout(cfg.Server.SessionTimeout),
		auth.WithLogger(logging.Component("auth")),
	)
	if err := authn.Load(ctx); err != nil {
		return fmt.Errorf("loading users: %w", err)
	}
	log.Info().Str("store", cfg.Store.Backend).Int("users", authn.UserCount()).Msg("User registry loaded")

	bus, err := events.Open(cfg, logging.Component("events"))
	if err != nil {
		return err
	}
	defer bus.Close()

	if bus.Subscriber != nil {
		// Subscribe before serving: the in-process channel drops events
		// published while nobody is subscribed.
		evlog := logging.Component("sessions")
		done, err := events.Listen(ctx, bus.Subscriber, bus.Topic, func(ev events.Event) {
			evlog.Info().
				Str("kind", ev.Kind).
				Str("user", ev.Username).
				Str("conn", ev.ConnID).
				Str("remote", ev.Remote).
				Msg("Session event")
		})
		if err != nil {
			return err
		}
		go func() {
			if err := <-done; err != nil && ctx.Err() == nil {
				evlog.Warn().Err(err).Msg("Session event consumer stopped")
			}
		}()
	}

	srv, err := server.New(server.Options{
		Addr:          cfg.Addr,
		Keys:          keys,
		Authenticator: authn,
		Events:        bus.Publisher,
	})
	if err != nil {
		return err
	}

	// The plain private key is no longer needed once the server has sealed it.
	keys.Private.D.SetInt64(0)
	keys.P, keys.Q = nil, nil

	if cfg.Server.StatusAddr != "" {
		go func() {
			if err := srv.ServeStatus(ctx, cfg.Server.StatusAddr); err != nil {
				log.Warn().Err(err).Msg("Status endpoint failed")
			}
		}()
	}

	return srv.ListenAndServe(ctx)
}
