package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pairview/match-service/internal/config"
	"github.com/pairview/match-service/internal/history"
	"github.com/pairview/match-service/internal/httpapi"
	"github.com/pairview/match-service/internal/matchmaker"
	"github.com/pairview/match-service/internal/messaging"
	"github.com/pairview/match-service/internal/ratelimit"
	"github.com/pairview/match-service/internal/rooms"
	"github.com/pairview/match-service/internal/state"
)

func main() {
	log.Println("Starting pairview match service...")

	cfg := config.Load()

	// Redis setup.
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancelPing()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	cancelPing()

	// NATS setup.
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NatsURL
	natsConfig.Name = "pairview-matchd"

	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// Match history archive (optional).
	var histStore *history.Store
	if cfg.PostgresDSN != "" {
		histStore, err = history.Open(cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("failed to connect to Postgres: %v", err)
		}
		if err := histStore.Migrate(); err != nil {
			log.Fatalf("failed to run migrations: %v", err)
		}
	}

	if cfg.DailyAPIKey == "" {
		log.Println("warning: DAILY_API_KEY is empty, room provisioning will fail")
	}
	roomsClient := rooms.NewClient(rooms.Config{
		APIKey:  cfg.DailyAPIKey,
		BaseURL: cfg.DailyAPIURL,
		RoomTTL: cfg.RoomTTL,
	})

	store := state.NewStore(rdb)

	var archive matchmaker.Archiver
	if histStore != nil {
		archive = histStore
	}
	svc := matchmaker.NewService(store, roomsClient, natsClient, archive)

	// Inbound liveness signals from the edge servers.
	err = natsClient.SubscribeHeartbeat(func(data []byte) {
		var sig matchmaker.HeartbeatSignal
		if err := json.Unmarshal(data, &sig); err != nil {
			log.Printf("[matchd] invalid heartbeat: %v", err)
			return
		}
		if err := svc.Heartbeat(context.Background(), sig.UserID); err != nil {
			log.Printf("[matchd] heartbeat %s: %v", sig.UserID, err)
		}
	})
	if err != nil {
		log.Fatalf("failed to subscribe to heartbeats: %v", err)
	}

	// Inbound leave/cleanup requests.
	err = natsClient.SubscribeLeave(func(data []byte) {
		var req matchmaker.LeaveRequest
		if err := json.Unmarshal(data, &req); err != nil {
			log.Printf("[matchd] invalid leave request: %v", err)
			return
		}
		if err := svc.Leave(context.Background(), req.UserID); err != nil {
			log.Printf("[matchd] leave %s: %v", req.UserID, err)
		}
	})
	if err != nil {
		log.Fatalf("failed to subscribe to leave requests: %v", err)
	}

	// Background sweep for claims orphaned by a crash mid-pairing.
	reconcileCtx, stopReconciler := context.WithCancel(context.Background())
	go matchmaker.StartReconciler(reconcileCtx, store)

	var histReader httpapi.HistoryReader
	if histStore != nil {
		histReader = histStore
	}
	limiter := ratelimit.NewLimiter(rdb)
	api := httpapi.NewServer(svc, histReader, limiter)
	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: api.Router()}

	go func() {
		log.Printf("pairview match service running")
		log.Printf("  listen_addr: %s", cfg.ListenAddr)
		log.Printf("  redis_addr:  %s", cfg.RedisAddr)
		log.Printf("  nats_url:    %s", cfg.NatsURL)
		log.Printf("  history:     %v", histStore != nil)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	stopReconciler()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}

	natsClient.Close()
	rdb.Close()
	if histStore != nil {
		histStore.Close()
	}
}
