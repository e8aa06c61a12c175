// Command hubserver runs one instance of the Study-Hub real-time server:
// the WebSocket front door, the REST API for groups and sessions, and the
// NATS relay that routes events to connections home on other instances.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ktirumal2006/Study-Hub/internal/broadcast"
	"github.com/ktirumal2006/Study-Hub/internal/history"
	"github.com/ktirumal2006/Study-Hub/internal/hub"
	"github.com/ktirumal2006/Study-Hub/internal/kvstore"
	"github.com/ktirumal2006/Study-Hub/internal/messaging"
	"github.com/ktirumal2006/Study-Hub/internal/metrics"
	"github.com/ktirumal2006/Study-Hub/internal/ratelimit"
	"github.com/ktirumal2006/Study-Hub/internal/registry"
	"github.com/ktirumal2006/Study-Hub/internal/rooms"
	"github.com/ktirumal2006/Study-Hub/internal/ws"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	serverName := getEnv("SERVER_NAME", "")
	if serverName == "" {
		host, err := os.Hostname()
		if err != nil {
			log.Fatalf("resolve hostname: %v", err)
		}
		serverName = host
	}

	config := ws.DefaultServerConfig()
	config.ListenAddr = getEnv("LISTEN_ADDR", config.ListenAddr)
	config.MaxConnections = getEnvInt("MAX_CONNECTIONS", config.MaxConnections)
	config.WriteTimeout = getEnvDuration("WRITE_TIMEOUT", config.WriteTimeout)

	redisStore, err := kvstore.NewRedisStore(getEnv("REDIS_ADDR", "localhost:6379"))
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	defer redisStore.Close()
	redisStore.SetTableTTL(kvstore.TableConnections, registry.DefaultTTL)

	reg := registry.New(redisStore)

	// Groups, users, sessions, and message history go to Postgres when a
	// DSN is configured; otherwise everything lives in Redis.
	var durable kvstore.Store = redisStore
	if dsn := getEnv("POSTGRES_DSN", ""); dsn != "" {
		pg, err := kvstore.NewPostgresStore(dsn)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		defer pg.Close()
		durable = pg
	}
	messages := history.NewStore(durable)

	natsConfig := messaging.DefaultConfig()
	natsConfig.URL = getEnv("NATS_URL", natsConfig.URL)
	natsConfig.Name = "studyhub-" + serverName
	natsClient, err := messaging.NewClient(natsConfig)
	if err != nil {
		log.Fatalf("nats: %v", err)
	}
	defer natsClient.Close()

	server := ws.NewServer(config)

	localDeliver := func(connID string, event []byte) error {
		err := server.SendMessage(connID, event)
		if errors.Is(err, ws.ErrConnectionNotFound) {
			return fmt.Errorf("%w: %s", broadcast.ErrEndpointGone, connID)
		}
		return err
	}
	router := broadcast.NewRouter(serverName, localDeliver, natsClient)
	broadcaster := broadcast.New(reg, router, serverName)

	limiter := ratelimit.NewLimiter(redisStore.Client())

	h := hub.New(reg, broadcaster, messages, limiter, serverName)

	dispatcher := ws.NewDispatcher()
	h.RegisterHandlers(dispatcher)

	server.SetOnConnect(h.HandleConnect)
	server.SetOnMessage(dispatcher.Dispatch)
	server.SetOnDisconnect(h.HandleDisconnect)
	server.SetAuthorize(func(r *http.Request) bool {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		allowed, _ := limiter.Allow(ctx, clientIP(r), ratelimit.RuleConnect)
		return allowed
	})

	// Events published for connections home on this instance.
	err = natsClient.SubscribePush(serverName, func(connID string, event []byte) {
		if err := server.SendMessage(connID, event); err != nil {
			log.Printf("push delivery connection=%s: %v", connID, err)
		}
	})
	if err != nil {
		log.Fatalf("nats subscribe: %v", err)
	}

	api := rooms.NewAPI(durable, messages)
	server.Handle("/api/", api.Routes())
	server.Handle("/metrics", metrics.Handler())

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	log.Printf("hubserver %s ready on %s", serverName, config.ListenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			log.Printf("server error: %v", err)
		}
	}

	if err := server.Shutdown(); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

// clientIP strips the port from RemoteAddr for per-IP throttling.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Printf("invalid %s=%q, using %d", key, v, fallback)
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		log.Printf("invalid %s=%q, using %s", key, v, fallback)
	}
	return fallback
}
