// Command casgw-demo wires the tiered cache, gateway fetcher, replication
// manager, and maintenance loop together against a small local setup: a
// memory tier, a disk tier under a temp directory, a Redis backend tier,
// and (when configured) an S3 backend tier and an SQS event publisher. It
// is a composition root, not a server: the spec explicitly keeps
// controller/API surfaces out of scope.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/caskit/gateway/internal/cache"
	"github.com/caskit/gateway/internal/caserr"
	"github.com/caskit/gateway/internal/cid"
	"github.com/caskit/gateway/internal/clock"
	"github.com/caskit/gateway/internal/config"
	"github.com/caskit/gateway/internal/entry"
	"github.com/caskit/gateway/internal/events"
	"github.com/caskit/gateway/internal/gateway"
	"github.com/caskit/gateway/internal/heat"
	"github.com/caskit/gateway/internal/maintenance"
	"github.com/caskit/gateway/internal/metrics"
	"github.com/caskit/gateway/internal/observability"
	"github.com/caskit/gateway/internal/replication"
	"github.com/caskit/gateway/internal/tier"
)

func main() {
	log := observability.NewStandardLogger("casgw").WithLevel(observability.LogLevelInfo)

	cfg, err := config.Load()
	if err != nil {
		log.Error("config load failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	realClock := clock.Real{}
	heatModel := heat.NewModel(realClock, 1_000_000)
	registry := tier.NewRegistry(log)

	registry.Add(tier.NewMemory("memory", 0, 256<<20, heatModel))

	diskRoot, err := os.MkdirTemp("", "casgw-disk-*")
	if err != nil {
		log.Error("failed to create disk tier root", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	defer os.RemoveAll(diskRoot)
	diskTier, err := tier.NewDisk("disk", 1, 4<<30, diskRoot, heatModel, log)
	if err != nil {
		log.Error("disk tier init failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	registry.Add(diskTier)

	redisAddr := "localhost:6379"
	for _, t := range cfg.Tiers {
		if t.Kind == "backend" && t.Backend == "redis" && t.RedisAddress != "" {
			redisAddr = t.RedisAddress
		}
	}
	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
	redisBackend := tier.NewRedisBackend(redisClient)
	registry.Add(tier.NewBackend("redis-pin", 2, redisBackend, 5, log))

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		log.Warn("aws config load failed, skipping s3 tier", map[string]interface{}{"error": err.Error()})
	} else {
		for _, t := range cfg.Tiers {
			if t.Kind == "backend" && t.Backend == "s3" && t.S3Bucket != "" {
				s3Client := s3.NewFromConfig(awsCfg)
				registry.Add(tier.NewBackend("s3-pin", 3, tier.NewS3Backend(s3Client, t.S3Bucket), 5, log))
			}
		}
	}

	metricsCollector := metrics.New()

	tieredCache := cache.New(registry, heatModel, realClock, log, cache.Config{
		PromotionThreshold: cfg.PromotionThreshold,
	})
	tieredCache.SetMetrics(metricsCollector)

	policy := entry.DefaultReplicationPolicy()
	replManager := replication.New(registry, heatModel, policy)
	replManager.SetMetrics(metricsCollector)
	tieredCache.SetReplication(replManager)

	pub := events.NewNoop()
	if cfg.SQSQueueURL != "" {
		sqsClient := sqs.NewFromConfig(awsCfg)
		pub = events.New(sqsClient, cfg.SQSQueueURL)
	}

	maintLoop := maintenance.New(tieredCache, registry, heatModel, replManager, pub, realClock, log, maintenance.Config{
		Interval:              time.Duration(cfg.MaintenanceIntervalSeconds) * time.Second,
		DemotionThresholdDays: cfg.DemotionThresholdDays,
	})

	fetcher := gateway.New([]gateway.Source{
		{Kind: gateway.SourceUnixSocket, Name: "local-daemon", SocketPath: "/var/run/casgw/daemon.sock", URLTemplate: "http://unix/api/v0/cat?arg=%s"},
		{Kind: gateway.SourceLocalHTTP, Name: "local-http", URLTemplate: "http://127.0.0.1:8080/ipfs/%s"},
	}, gateway.Config{}, log)
	fetcher.SetMetrics(metricsCollector)
	tieredCache.SetFetcher(fetcher, cfg.UseGatewayFallback)

	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.Metrics.Address, mux); err != nil {
				log.Warn("metrics server stopped", map[string]interface{}{"error": err.Error()})
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry.StartHealthChecks(ctx, time.Duration(cfg.HealthIntervalSeconds)*time.Second)
	maintLoop.Start(ctx)

	added, err := tieredCache.AddContent(ctx, []byte("hello from the composition root"), cache.AddContentOptions{Pin: true})
	if err != nil && caserr.KindOf(err) != caserr.KindUnderReplicated {
		log.Error("seed add_content failed", map[string]interface{}{"error": err.Error()})
	} else {
		fmt.Printf("added %d bytes as %s, %d replicas\n", added.Size, added.CID.String(), added.Replicas)
	}

	if err := tieredCache.Pin(added.CID); err != nil {
		log.Warn("seed pin failed", map[string]interface{}{"error": err.Error()})
	}

	data, err := tieredCache.GetContent(ctx, added.CID)
	if err != nil {
		log.Error("seed get_content failed", map[string]interface{}{"error": err.Error()})
	} else {
		fmt.Printf("round-tripped %d bytes for %s\n", len(data), added.CID.String())
	}

	fmt.Printf("pinned CIDs: %d, tracked CIDs: %d\n", len(tieredCache.ListPins()), tieredCache.Stats().TrackedCIDs)

	_, err = fetcher.Fetch(ctx, cid.CID("bexamplenotreallypinnedanywhere"))
	if err != nil && caserr.KindOf(err) != caserr.KindNotFound {
		log.Debug("demo external fetch did not succeed (expected without a live daemon)", map[string]interface{}{"error": err.Error()})
	}

	<-ctx.Done()
	maintLoop.Stop()
	registry.Stop()
}
