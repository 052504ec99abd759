// rtwatch connects to an rtserver as a dashboard client and prints every
// subscribed event, for development and debugging.
package main

import (
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/opsboard/realtime/config"
	"github.com/opsboard/realtime/src/service"
	"github.com/opsboard/realtime/src/token"
	"github.com/opsboard/realtime/src/types"
)

func main() {
	user := flag.String("user", "dev", "user identity")
	tenant := flag.String("tenant", "dev", "tenant identity")
	project := flag.String("project", "dev", "active workspace")
	events := flag.String("events", "incident.created,incident.updated,incident.resolved,alert.triggered", "comma-separated event types")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg := config.ClientConfigFromEnv()
	cookie := os.Getenv("OPSBOARD_COOKIE")
	if cookie == "" {
		cookie = "opsboard_session=rtwatch"
	}

	fetcher := token.NewFetcher(cfg.TokenURL, cookie, logger)
	svc := service.New(cfg.ChannelConfig(), fetcher, logger)

	svc.OnStatusChange(func(s types.State) {
		logger.Info().Str("status", s.String()).Msg("connection status")
	})
	svc.OnConnectFailed(func() {
		logger.Error().Msg("failed to connect, waiting for session change")
	})

	for _, eventType := range strings.Split(*events, ",") {
		eventType = strings.TrimSpace(eventType)
		if eventType == "" {
			continue
		}
		et := eventType
		svc.Subscribe(et, func(env types.Envelope) {
			logger.Info().Str("type", et).Interface("data", env.Data).Msg("event")
		})
	}

	svc.Start()
	svc.Binding().Update(types.SessionContext{
		UserID:    *user,
		TenantID:  *tenant,
		ProjectID: *project,
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	svc.Binding().Clear()
	svc.Stop()
}
