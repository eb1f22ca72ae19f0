package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"skillbarter/agreement"
	"skillbarter/auth"
	"skillbarter/db"
	"skillbarter/dispute"
	"skillbarter/notify"
	"skillbarter/penalty"
)

const (
	dispatchInterval    = 5 * time.Second
	deadlineSweepPeriod = time.Minute
	abandonSweepPeriod  = time.Hour
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	outbox := notify.NewOutbox()
	authService := auth.NewService(auth.NewRepository(pool), jwtSecret)
	ledger := penalty.NewLedger(pool, outbox)
	agreementRepo := agreement.NewRepository(pool)
	disputeService := dispute.NewService(pool, dispute.NewStore(pool), agreementRepo, ledger, authService, outbox)
	abandonments := agreement.NewAbandonmentProcessor(pool, agreementRepo, ledger, outbox)
	dispatcher := notify.NewDispatcher(pool, notify.LogSink{}, dispatchInterval)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return dispatcher.Run(ctx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(deadlineSweepPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				n, err := disputeService.ProcessExpiredDisputes(ctx)
				if err != nil {
					log.Printf("expired dispute sweep: %v", err)
					continue
				}
				if n > 0 {
					log.Printf("expired dispute sweep: resolved %d", n)
				}
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(abandonSweepPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				n, err := abandonments.Run(ctx)
				if err != nil {
					log.Printf("abandonment sweep: %v", err)
					continue
				}
				if n > 0 {
					log.Printf("abandonment sweep: cancelled %d", n)
				}
			}
		}
	})

	log.Print("skillbarter workers running")
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Fatalf("worker failed: %v", err)
	}
	log.Print("shutdown complete")
}
