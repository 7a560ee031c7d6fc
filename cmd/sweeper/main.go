package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/imrishuroy/go-checkout-lock/internal/app"
	"github.com/imrishuroy/go-checkout-lock/internal/aws"
	"github.com/imrishuroy/go-checkout-lock/internal/config"
	"github.com/imrishuroy/go-checkout-lock/internal/lock"
	"github.com/imrishuroy/go-checkout-lock/internal/logging"
)

// sweep runs one expiry pass and reports its counts to CloudWatch.
func sweep(ctx context.Context, sweeper *lock.Sweeper, emitter *aws.MetricEmitter, backend string) error {
	res, err := sweeper.RunOnce(ctx)
	if err != nil {
		return err
	}
	logging.Log(logging.Fields{Step: "sweep", Status: "ok", Message: res.String()})
	if emitter == nil {
		return nil
	}
	return emitter.EmitCounts(ctx, map[string]float64{
		"LocksScanned":       float64(res.Scanned),
		"LocksExpired":       float64(res.Expired),
		"LockExpiryFailures": float64(res.Failed),
	}, map[string]string{"Backend": backend})
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logging.Service = "checkout-sweeper"

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	defer a.Close()

	if cfg.RunLocal {
		log.Printf("sweeping every %s", cfg.SweepInterval)
		if err := a.Sweeper.Run(ctx); err != nil {
			log.Printf("sweeper stopped: %v", err)
		}
		return
	}

	emitter, err := a.MetricEmitter(ctx)
	if err != nil {
		log.Fatalf("failed to init metric emitter: %v", err)
	}
	lambda.Start(func(ctx context.Context, _ events.CloudWatchEvent) error {
		return sweep(ctx, a.Sweeper, emitter, cfg.StoreBackend)
	})
}
