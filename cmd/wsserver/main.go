package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/vibe/chat-app/internal/api"
	"github.com/vibe/chat-app/internal/chat"
	"github.com/vibe/chat-app/internal/contacts"
	"github.com/vibe/chat-app/internal/messaging"
	"github.com/vibe/chat-app/internal/metrics"
	"github.com/vibe/chat-app/internal/presence"
	"github.com/vibe/chat-app/internal/profile"
	"github.com/vibe/chat-app/internal/ratelimit"
	"github.com/vibe/chat-app/internal/session"
	"github.com/vibe/chat-app/internal/ws"
)

func main() {
	config := ws.DefaultConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.Addr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Workers = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.HeartbeatInterval = d
		}
	}
	if v := os.Getenv("HEARTBEAT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.HeartbeatTimeout = d
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	serverName, _ := os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		serverName = v
	}
	if serverName == "" {
		serverName = "vibe-1"
	}

	server, err := ws.NewServer(config)
	if err != nil {
		log.Fatalf("failed to create server: %v", err)
	}

	// The backing stores are optional. Pairing and relay run entirely
	// in-process, so a missing Redis, NATS or Postgres only disables the
	// feature it backs.
	hubCfg := chat.Config{}

	// --- Redis: session mirror, profiles, rate limiting ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	sessionStore, err := session.NewStore(redisAddr, serverName)
	if err != nil {
		log.Printf("redis unavailable, running without session mirror: %v", err)
		sessionStore = nil
	}
	var profileStore *profile.Store
	if sessionStore != nil {
		profileStore = profile.NewStore(sessionStore.Client())
		hubCfg.Records = sessionStore
		hubCfg.Profiles = profileStore
		hubCfg.Limiter = ratelimit.NewLimiter(sessionStore.Client())
	}

	// --- NATS: cross-instance presence events ---
	var natsClient *messaging.NATSClient
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.Name = serverName
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	natsClient, err = messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Printf("nats unavailable, presence stays instance-local: %v", err)
		natsClient = nil
	}

	// --- Postgres: saved contacts ---
	var contactStore *contacts.Store
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		contactStore, err = contacts.Open(dsn)
		if err != nil {
			log.Printf("postgres unavailable, running without contacts: %v", err)
			contactStore = nil
		} else if err := contactStore.Migrate(); err != nil {
			log.Fatalf("contacts migration failed: %v", err)
		}
	}
	if contactStore != nil {
		hubCfg.Contacts = contactStore
	}

	// --- Presence fan-out ---
	var watcherSource presence.WatcherSource
	if contactStore != nil {
		watcherSource = contactStore
	}
	broadcaster := presence.NewBroadcaster(natsClient, watcherSource, server)
	if err := broadcaster.Start(); err != nil {
		log.Fatalf("presence subscription failed: %v", err)
	}
	hubCfg.Presence = broadcaster

	hub := chat.NewHub(server, hubCfg)
	server.OnConnect(hub.HandleConnect)
	server.OnDisconnect(hub.HandleDisconnect)
	server.OnFrame(hub.HandleFrame)

	// --- HTTP surface next to the WebSocket endpoint ---
	var apiProfiles api.ProfileStore
	if profileStore != nil {
		apiProfiles = profileStore
	}
	var apiContacts api.ContactSource
	if contactStore != nil {
		apiContacts = contactStore
	}
	server.Handle("/api/", api.New(hub, apiProfiles, apiContacts))
	server.Handle("/metrics", metrics.Handler())

	log.Printf("Vibe chat server starting")
	log.Printf("  listen_addr:        %s", config.Addr)
	log.Printf("  worker_pool:        %d", config.Workers)
	log.Printf("  max_connections:    %d", config.MaxConnections)
	log.Printf("  heartbeat_interval: %s", config.HeartbeatInterval)
	log.Printf("  heartbeat_timeout:  %s", config.HeartbeatTimeout)
	log.Printf("  server_name:        %s", serverName)
	log.Printf("  redis:              %v", sessionStore != nil)
	log.Printf("  nats:               %v", natsClient != nil)
	log.Printf("  postgres:           %v", contactStore != nil)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if natsClient != nil {
			natsClient.Close()
		}
		if contactStore != nil {
			contactStore.Close()
		}
		if sessionStore != nil {
			if err := sessionStore.Close(); err != nil {
				log.Printf("session store close error: %v", err)
			}
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
