// cmd/worker runs the full recall core in a single process: EI, QM, SCH,
// RCX, and the admin HTTP surface all share one PQS connection, per the
// single-writer contract in §4.1. The FsObj and Connector collaborators are
// implemented outside this repository (§6); this binary wires the
// in-process fakes so the core is runnable end to end without a live GPFS
// session, the same way the teacher's worker wired a local image uploader
// when no S3 credentials were configured.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"

	api "hsm-recall-core/internal/api"
	"hsm-recall-core/internal/config"
	"hsm-recall-core/internal/connector"
	connectorfake "hsm-recall-core/internal/connector/fake"
	"hsm-recall-core/internal/coordination"
	"hsm-recall-core/internal/eventlog"
	"hsm-recall-core/internal/fsobj"
	"hsm-recall-core/internal/fsobj/cloudtape"
	fsobjfake "hsm-recall-core/internal/fsobj/fake"
	"hsm-recall-core/internal/intake"
	"hsm-recall-core/internal/inventory"
	"hsm-recall-core/internal/queue"
	"hsm-recall-core/internal/ratelimit"
	"hsm-recall-core/internal/recall"
	"hsm-recall-core/internal/sched"
	"hsm-recall-core/internal/scheduler"
	"hsm-recall-core/internal/store"
)

// buildTapeSourceFor returns a closure resolving a pool name to the
// TapeSource that serves it: pools listed in cloudPools resolve to cloud,
// everything else falls back to local. The cloud Source is constructed
// eagerly, so an AWS configuration that cannot be loaded fails at startup;
// the bucket itself is not contacted until the first recall.
func buildTapeSourceFor(ctx context.Context, cloudPools []string, cloudCfg cloudtape.Config, local recall.TapeSource) (func(pool string) recall.TapeSource, error) {
	poolSet := make(map[string]bool, len(cloudPools))
	for _, p := range cloudPools {
		poolSet[p] = true
	}
	if len(poolSet) == 0 {
		return func(string) recall.TapeSource { return local }, nil
	}
	cloudSource, err := cloudtape.New(ctx, cloudCfg)
	if err != nil {
		return nil, err
	}
	return func(pool string) recall.TapeSource {
		if poolSet[pool] {
			return cloudSource
		}
		return local
	}, nil
}

// localMounter completes mounts/unmounts immediately; a real deployment
// wires the inventory to the tape library's actual robotics driver.
type localMounter struct{}

func (localMounter) Mount(context.Context, string, string) error   { return nil }
func (localMounter) Unmount(context.Context, string, string) error { return nil }

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		<-ch
		cancel()
	}()

	st, err := store.Open(ctx, cfg.DBFile, cfg.DBInMem)
	if err != nil {
		slog.Error("open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	if err := st.CreateTables(ctx); err != nil {
		slog.Error("create tables", "error", err)
		os.Exit(1)
	}

	inv := inventory.New(localMounter{})

	opener := fsobjfake.NewOpener()
	var fsOpener fsobj.Opener = opener
	managedFilesystems := make([]fsobj.ManagedFilesystem, 0, len(cfg.Filesystems))
	for range cfg.Filesystems {
		managedFilesystems = append(managedFilesystems, &fsobjfake.ManagedFS{})
	}

	conn := connectorfake.New()
	var connImpl connector.Connector = conn

	signal := sched.NewSignal(cfg.SchedulerPollBackoff)

	failedLog := eventlog.New(cfg.FailedEventLogSize)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	broadcaster := coordination.NewBroadcaster(redisClient, cfg.SuspendChannel)

	mutator := &queue.Mutator{
		Store:     st,
		Opener:    fsOpener,
		Connector: connImpl,
		Signal:    signal,
		FailedLog: failedLog,
	}

	cloudCfg := cloudtape.Config{
		Bucket:    cfg.S3Bucket,
		Region:    cfg.S3Region,
		Endpoint:  cfg.S3Endpoint,
		PathStyle: cfg.S3PathStyle,
	}
	tapeSourceFor, err := buildTapeSourceFor(ctx, cfg.CloudTierPools, cloudCfg, recall.LocalTapeSource{})
	if err != nil {
		slog.Error("build cloud tape source", "error", err)
		os.Exit(1)
	}

	executor := &recall.Executor{
		Store:      st,
		Inventory:  inv,
		Opener:     fsOpener,
		Connector:  connImpl,
		TapeSource: tapeSourceFor,
		BufSize:    cfg.ReadBufferSize,
		FailedLog:  failedLog,
	}

	sch := scheduler.New(st, inv, executor, signal, cfg.MaxTransparentRecallThreads)

	suspendSub := broadcaster.Subscribe(ctx)
	go func() {
		for cmd := range suspendSub {
			sch.ApplySuspendCommand(cmd)
		}
	}()

	ei := intake.New(connImpl, fsOpener, mutator, limiter, cfg.MaxTransparentRecallThreads)
	ei.Filesystems = managedFilesystems

	admin := api.New(st, inv, sch, broadcaster, failedLog)
	httpServer := &http.Server{Addr: ":" + cfg.HTTPPort, Handler: admin.Router()}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("admin api listen", "error", err)
		}
	}()

	if err := ei.Startup(ctx); err != nil {
		slog.Error("intake startup", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := sch.Run(ctx); err != nil {
			slog.Warn("scheduler stopped", "error", err)
		}
	}()

	slog.Info("hsm-recall-core worker started", "http_port", cfg.HTTPPort)
	if err := ei.Run(ctx); err != nil {
		slog.Warn("intake stopped", "error", err)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
