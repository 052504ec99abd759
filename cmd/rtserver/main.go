package main

import (
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"github.com/opsboard/realtime/config"
	"github.com/opsboard/realtime/src/bridge"
	"github.com/opsboard/realtime/src/hub"
	"github.com/opsboard/realtime/src/token"
	"github.com/opsboard/realtime/src/types"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg := config.ServerConfigFromEnv()
	if *configPath != "" {
		loaded, err := config.LoadServerConfig(*configPath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", *configPath).Msg("failed to load config")
		}
		cfg = loaded
	}

	issuer := token.NewIssuer(time.Duration(cfg.TokenTTLSeconds)*time.Second, logger)
	h := hub.New(issuer, logger)
	go h.Run()

	// Redis bridge is optional; without it the hub runs standalone.
	var rb bridge.Bridge
	redisBridge := bridge.NewRedisBridge(bridge.RedisConfigFromEnv(), h, logger)
	if err := redisBridge.Start(); err != nil {
		logger.Warn().Err(err).Msg("redis bridge unavailable, running standalone")
	} else {
		rb = redisBridge
		h.SetBridge(redisBridge)
	}

	app := fiber.New()

	app.Get("/realtime/token", func(c fiber.Ctx) error {
		if c.Cookies(cfg.SessionCookie) == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "session_required",
			})
		}
		return c.JSON(fiber.Map{"token": issuer.Issue()})
	})

	app.Get("/realtime/info", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"websocket":     true,
			"endpoint":      "/ws",
			"clients":       h.ClientCount(),
			"authenticated": h.AuthenticatedCount(),
		})
	})

	// Backend services notify incident/alert changes through this route;
	// the payload is broadcast verbatim to every authenticated dashboard.
	app.Post("/realtime/events", func(c fiber.Ctx) error {
		var env types.Envelope
		if err := c.Bind().Body(&env); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid_envelope",
			})
		}
		if env.Type == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "type_required",
			})
		}
		h.Broadcast(env)
		return c.JSON(fiber.Map{"published": true})
	})

	upgrader := websocket.FastHTTPUpgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
	}

	// The WebSocket upgrade needs the raw *fasthttp.RequestCtx, which
	// Fiber v3 does not expose, so it is dispatched above the app.
	appHandler := app.Handler()
	root := func(ctx *fasthttp.RequestCtx) {
		if string(ctx.Path()) == "/ws" {
			handleWS(ctx, &upgrader, h, logger)
			return
		}
		appHandler(ctx)
	}

	srv := &fasthttp.Server{Handler: root}
	go func() {
		if err := srv.ListenAndServe(cfg.Addr); err != nil {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()
	logger.Info().Str("addr", cfg.Addr).Msg("rtserver listening")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Info().Msg("shutting down")
	if err := srv.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("server shutdown")
	}
	if rb != nil {
		if err := rb.Stop(); err != nil {
			logger.Error().Err(err).Msg("bridge stop")
		}
	}
	h.Stop()
}

func handleWS(ctx *fasthttp.RequestCtx, up *websocket.FastHTTPUpgrader, h *hub.Hub, logger zerolog.Logger) {
	upgrade := string(ctx.Request.Header.Peek("Upgrade"))
	if !strings.EqualFold(upgrade, "websocket") {
		ctx.SetStatusCode(fasthttp.StatusUpgradeRequired)
		ctx.SetBodyString(`{"error":"upgrade_required","message":"WebSocket upgrade required"}`)
		return
	}

	clientID := uuid.New().String()
	err := up.Upgrade(ctx, func(conn *websocket.Conn) {
		client := hub.NewClient(clientID, wsConn{conn}, h)
		h.Register(client)
		go client.WritePump()
		client.ReadPump()
	})
	if err != nil {
		logger.Error().Err(err).Msg("websocket upgrade failed")
	}
}

// wsConn wraps fasthttp/websocket.Conn to satisfy types.Conn.
type wsConn struct {
	conn *websocket.Conn
}

func (w wsConn) WriteJSON(v any) error { return w.conn.WriteJSON(v) }
func (w wsConn) ReadJSON(v any) error  { return w.conn.ReadJSON(v) }
func (w wsConn) Close() error          { return w.conn.Close() }
