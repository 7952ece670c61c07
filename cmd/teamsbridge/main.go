package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	teamsbridge "github.com/chatbridge/teams-bridge"
	"github.com/chatbridge/teams-bridge/bridge"
	"github.com/chatbridge/teams-bridge/state"
)

var GitCommit string // provided at build time

const version = "0.1.0"

var (
	flagUser       = flag.String("user", os.Getenv("TEAMSBRIDGE_USER"), "account UPN, used as the storage key")
	flagTenant     = flag.String("tenant", os.Getenv("TEAMSBRIDGE_TENANT"), "tenant domain, GUID or name; empty for Common")
	flagDB         = flag.String("db", os.Getenv("TEAMSBRIDGE_DB"), "postgres connection string")
	flagSecret     = flag.String("secret", os.Getenv("TEAMSBRIDGE_SECRET"), "secret encrypting stored refresh tokens")
	flagDeviceCode = flag.Bool("device-code", os.Getenv("TEAMSBRIDGE_DEVICE_CODE") == "1", "use the device-code sign-in flow")
	flagMetrics    = flag.String("metrics", os.Getenv("TEAMSBRIDGE_PROM"), "listen address for prometheus metrics, empty to disable")
	flagSentryDSN  = flag.String("sentry-dsn", os.Getenv("TEAMSBRIDGE_SENTRY_DSN"), "sentry DSN, empty to disable")
)

func main() {
	flag.Parse()
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05",
	})
	log.Info().Str("version", version).Str("commit", GitCommit).Msg("teamsbridge starting")

	if *flagUser == "" || *flagDB == "" || *flagSecret == "" {
		log.Fatal().Msg("-user, -db and -secret are required")
	}

	if *flagSentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:     *flagSentryDSN,
			Release: version + "-" + GitCommit,
		}); err != nil {
			log.Fatal().Err(err).Msg("sentry init failed")
		}
		defer sentry.Flush(2 * time.Second)
	}

	if *flagMetrics != "" {
		go func() {
			r := mux.NewRouter()
			r.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*flagMetrics, r); err != nil {
				log.Error().Err(err).Msg("metrics listener failed")
			}
		}()
	}

	store := state.NewStore(*flagDB, *flagSecret)
	defer store.Teardown()
	acct, err := store.Account(*flagUser)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load account state")
	}

	host := bridge.NewLogHost(log)
	account := teamsbridge.NewAccount(host, acct, acct, log, teamsbridge.Options{
		Tenant:        *flagTenant,
		UseDeviceCode: *flagDeviceCode,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := account.Connect(ctx); err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("sign-in failed")
	}
	log.Info().Str("user", account.Username()).Msg("connected")

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	account.Disconnect(shutdownCtx)
}
