package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"outpass/internal/config"
	"outpass/internal/metrics"
	"outpass/internal/outpass"
	"outpass/internal/pass"
	"outpass/internal/queue"
	"outpass/internal/risk"
	"outpass/internal/store"
)

// Worker consumes gate-scan messages, verifies pass tokens, and records
// returns; late returns produce violations via the service.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	var repo outpass.Repository
	if cfg.StoreBackend == "memory" {
		repo = outpass.NewMemoryRepository()
		log.Println("using in-memory store; scans will not persist across restarts")
	} else {
		db, err := store.NewDB(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db connect failed: %v", err)
		}
		defer db.Close()
		repo = outpass.NewPostgresRepository(db.Client)
	}

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "outpass:scans")
	}

	scorer := risk.NewScorer(outpass.NewHistorySource(repo), nil)
	passIssuer := pass.NewIssuer(cfg.PassSigningKey, cfg.JWTIssuer)
	svc := outpass.NewService(repo, scorer, passIssuer)

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for scan messages...")
	for msg := range messages {
		if msg.Type != queue.TypeGateReturn {
			continue
		}

		evt, err := queue.ParseScanEvent(msg)
		if err != nil {
			log.Printf("malformed scan message dropped: %v", err)
			metrics.ScansProcessed.WithLabelValues("malformed").Inc()
			continue
		}

		claims, err := passIssuer.Verify(evt.Token)
		if err != nil {
			log.Printf("scan from gate %s rejected: %v", evt.GateID, err)
			metrics.ScansProcessed.WithLabelValues("rejected").Inc()
			continue
		}

		gate := outpass.Principal{ID: evt.GateID, Role: outpass.RoleGate}
		req, err := svc.RecordReturn(ctx, gate, claims.RequestID, evt.ScannedAt)
		if err != nil {
			log.Printf("return for request %s not recorded: %v", claims.RequestID, err)
			metrics.ScansProcessed.WithLabelValues("failed").Inc()
			continue
		}

		metrics.ScansProcessed.WithLabelValues("applied").Inc()
		if req.LateReturn {
			log.Printf("request %s returned late at %s", req.ID, evt.ScannedAt.Format(time.RFC3339))
		} else {
			log.Printf("request %s returned on time", req.ID)
		}
	}

	log.Println("worker stopped")
}
