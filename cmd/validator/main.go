// Command validator runs the Validator Verification & Rental
// Orchestration Engine: the scheduler that drives executor
// verification cycles, the rental manager that brokers GPU leases
// against verified executors, the billing processor that turns usage
// events into settled credit ledger entries, and the external HTTP API
// section 6 describes. Wiring follows cmd/indexer's shape: load
// config, build one service, start it, wait on a signal, stop it.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/one-covenant/basilica-sub001/internal/attestation"
	"github.com/one-covenant/basilica-sub001/internal/billing/catalog"
	"github.com/one-covenant/basilica-sub001/internal/billing/eventstore"
	"github.com/one-covenant/basilica-sub001/internal/billing/processor"
	"github.com/one-covenant/basilica-sub001/internal/config"
	"github.com/one-covenant/basilica-sub001/internal/credit"
	"github.com/one-covenant/basilica-sub001/internal/discovery"
	"github.com/one-covenant/basilica-sub001/internal/dockerprofiler"
	"github.com/one-covenant/basilica-sub001/internal/httpapi"
	"github.com/one-covenant/basilica-sub001/internal/metrics"
	"github.com/one-covenant/basilica-sub001/internal/platform/database"
	"github.com/one-covenant/basilica-sub001/internal/platform/migrations"
	"github.com/one-covenant/basilica-sub001/internal/rentalfsm"
	"github.com/one-covenant/basilica-sub001/internal/rentalmgr"
	"github.com/one-covenant/basilica-sub001/internal/scheduler"
	"github.com/one-covenant/basilica-sub001/internal/selfload"
	"github.com/one-covenant/basilica-sub001/internal/sigauth"
	"github.com/one-covenant/basilica-sub001/internal/sshsession"
	"github.com/one-covenant/basilica-sub001/internal/storage/memory"
	"github.com/one-covenant/basilica-sub001/internal/storage/postgres"
	"github.com/one-covenant/basilica-sub001/internal/telemetry"
	"github.com/one-covenant/basilica-sub001/internal/transport"
	"github.com/one-covenant/basilica-sub001/internal/verification"
	"github.com/one-covenant/basilica-sub001/internal/webauth"
)

// Exit codes per section 6: 0 success, 1 generic runtime error, 2
// configuration error, 255 transport/SSH setup failure.
const (
	exitOK             = 0
	exitRuntimeError   = 1
	exitConfigError    = 2
	exitTransportError = 255
)

// stores bundles the narrow repository views each subsystem needs,
// built from either the postgres or the in-memory backend depending
// on whether BASILICA_DATABASE_URL is set.
type stores struct {
	executors   executorViews
	rentals     rentalViews
	packages    packageViews
	events      eventstore.Store
	batches     processor.BatchStore
	billingLog  processor.BillingLog
	creditStore credit.Store
	closeDB     func() error
}

// executorViews is the method set verification.ExecutorStore,
// verification.ResultStore, scheduler.ExecutorLister and
// rentalmgr.ExecutorFinder all need; the memory and postgres Executors
// view types both satisfy it.
type executorViews interface {
	verification.ExecutorStore
	verification.ResultStore
	scheduler.ExecutorLister
	rentalmgr.ExecutorFinder
}

// rentalViews is the method set rentalmgr.Store and
// billing/processor.RentalStore both need; the memory and postgres
// Rentals view types both satisfy it.
type rentalViews interface {
	rentalmgr.Store
	processor.RentalStore
}

// packageViews is the method set rentalmgr.PackageLookup and
// billing/processor.PackageStore both need.
type packageViews interface {
	rentalmgr.PackageLookup
	processor.PackageStore
}

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return exitConfigError
	}

	log := telemetry.New("validator", cfg.LogLevel, cfg.LogFormat)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStores(ctx, cfg)
	if err != nil {
		log.WithContext(ctx).WithError(err).Error("failed to open storage backend")
		return exitRuntimeError
	}
	if st.closeDB != nil {
		defer st.closeDB()
	}

	hostKey, err := sshsession.GenerateHostKey()
	if err != nil {
		log.WithContext(ctx).WithError(err).Error("failed to generate validator SSH host key")
		return exitTransportError
	}

	sessions := sshsession.NewManager()
	dialer := transport.SSHDialer{Config: sshsession.DialConfig{
		ConnectTimeout: cfg.SSHConnectTimeout,
		HostKey:        hostKey,
	}}

	engine := verification.New(sessions, dialer, st.executors, st.executors, verification.Config{
		BinaryEnabled:              cfg.BinaryEnabled,
		BinaryWeight:               cfg.BinaryWeight,
		ScoreThreshold:             cfg.ScoreThreshold,
		MaxConsecutiveFailures:     cfg.MaxConsecutiveFailures,
		ExecutorValidationInterval: cfg.ExecutorValidationInterval,
		AttestationConfig: attestation.Config{
			Timeout: cfg.AttestationTimeout,
		},
		DockerConfig: dockerprofiler.Config{
			ProbeTimeout: cfg.DockerProbeTimeout,
			PullTimeout:  cfg.DockerPullTimeout,
			DinDTimeout:  cfg.DockerDinDTimeout,
			TestImage:    cfg.DockerTestImage,
		},
	})

	ledger := credit.New(st.creditStore)

	discoverer := discovery.WithManifestFetchRateLimit(
		transport.HTTPMetagraphClient{Endpoint: cfg.MetagraphURL},
		transport.HTTPMinerClient{},
		rate.Limit(cfg.DiscoveryManifestRatePerSec),
		cfg.DiscoveryManifestBurst,
	)

	loadReader, loadErr := selfload.NewReader()
	if loadErr != nil {
		log.WithContext(ctx).WithError(loadErr).Warn("self-load reader unavailable, scheduler will run uncapped")
	}
	// A typed-nil *selfload.Reader assigned straight into the
	// scheduler.LoadSampler interface field would compare non-nil, so
	// only assign it on the success path.
	var loadSampler scheduler.LoadSampler
	if loadErr == nil {
		loadSampler = loadReader
	}

	engineAdapter := verificationEngineAdapter{engine: engine, executors: st.executors, scoreThreshold: cfg.ScoreThreshold}
	sched := scheduler.New(discoverer, st.executors, engineAdapter, sessions, scheduler.Config{
		FullInterval:       cfg.FullValidationInterval,
		LightInterval:      cfg.LightValidationInterval,
		CleanupInterval:    cfg.CleanupInterval,
		ChallengeTimeout:   cfg.ChallengeTimeout,
		MaintenanceCron:    cfg.MaintenanceWindowCron,
		MaxConcurrentTasks: cfg.MaxConcurrentTasks,
		SelfLoad:           loadSampler,
	}, log)
	sched.Start(ctx)

	fsm := rentalfsm.New(st.rentals)
	billingProc := processor.New(st.events, st.rentals, st.packages, st.batches, st.billingLog, ledger, fsm, log, processor.Config{
		BatchSize: cfg.BillingBatchSize,
		Interval:  cfg.BillingInterval,
	})
	billingProc.Start(ctx)
	defer billingProc.Stop()

	rentalMgr := rentalmgr.New(st.executors, st.packages, transport.HTTPRentalBackend{}, ledger, st.rentals, log)

	validator := webauth.New(webauth.Config{
		Issuer:       cfg.JWTIssuer,
		Audience:     cfg.JWTAudience,
		JWKSURL:      cfg.JWTIssuer + "/.well-known/jwks.json",
		JWKSCacheTTL: cfg.JWKSTTL,
	})

	var minerPubKey ed25519.PublicKey
	if cfg.MinerHotkeyPublicKey != "" {
		if decoded, err := hex.DecodeString(cfg.MinerHotkeyPublicKey); err != nil {
			log.WithContext(ctx).WithError(err).Warn("invalid miner hotkey public key, telemetry signature checks will fail")
		} else {
			minerPubKey = ed25519.PublicKey(decoded)
		}
	}
	var nonceStore sigauth.NonceStore
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.WithContext(ctx).WithError(err).Warn("invalid redis URL, nonce replay cache will stay in-process")
		} else {
			nonceStore = sigauth.NewRedisNonceStore(redis.NewClient(opts), "basilica:nonce:")
		}
	}
	sigVerifier := sigauth.New(sigauth.Config{
		OwnerHotkey:      cfg.MinerOwnerHotkey,
		PublicKey:        minerPubKey,
		ClockSkew:        cfg.ClockSkew,
		NonceCacheMargin: cfg.NonceCacheMargin,
		RequireSignature: cfg.RequireSignature,
		NonceStore:       nonceStore,
	})
	defer sigVerifier.Close()

	handler := httpapi.New(st.executors, rentalMgr, httpapi.NewAPIKeyStore(), st.events, sigVerifier, "validator", metrics.InstrumentHandler, validator)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/system/status", systemStatusHandler(loadReader))
	mux.Handle("/", handler)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		log.WithContext(ctx).WithFields(logrus.Fields{"addr": cfg.HTTPAddr}).Info("validator HTTP API listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.WithContext(ctx).WithFields(logrus.Fields{"signal": sig.String()}).Info("shutting down")
	case err := <-errCh:
		log.WithContext(ctx).WithError(err).Error("HTTP server failed")
		cancel()
		sched.Stop()
		return exitRuntimeError
	}

	cancel()
	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithContext(ctx).WithError(err).Error("graceful shutdown failed")
		return exitRuntimeError
	}
	return exitOK
}

func openStores(ctx context.Context, cfg *config.Config) (stores, error) {
	if cfg.DatabaseURL == "" {
		store := memory.New()
		if err := seedPackageCatalog(ctx, cfg, store); err != nil {
			return stores{}, err
		}
		return stores{
			executors:   store.Executors(),
			rentals:     store.Rentals(),
			packages:    store.Packages(),
			events:      store.Events(),
			batches:     store.Batches(),
			billingLog:  store.BillingLog(),
			creditStore: store.Credit(),
		}, nil
	}

	db, err := database.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return stores{}, fmt.Errorf("open database: %w", err)
	}
	if err := migrations.Apply(ctx, db); err != nil {
		db.Close()
		return stores{}, fmt.Errorf("apply migrations: %w", err)
	}

	store := postgres.New(db)
	if err := seedPackageCatalog(ctx, cfg, store); err != nil {
		db.Close()
		return stores{}, err
	}
	return stores{
		executors:   store.Executors(),
		rentals:     store.Rentals(),
		packages:    store.Packages(),
		events:      store.Events(),
		batches:     store.Batches(),
		billingLog:  store.BillingLog(),
		creditStore: store.Credit(),
		closeDB:     db.Close,
	}, nil
}

// seedPackageCatalog loads the operator-configured pricing tiers from
// BASILICA_PACKAGE_CATALOG_PATH, if set, and upserts them into seeder.
// Neither backend has a create_package route, so this is the only way
// a package comes to exist.
func seedPackageCatalog(ctx context.Context, cfg *config.Config, seeder catalog.Seeder) error {
	if cfg.PackageCatalogPath == "" {
		return nil
	}
	packages, err := catalog.LoadFile(cfg.PackageCatalogPath)
	if err != nil {
		return fmt.Errorf("load package catalog: %w", err)
	}
	if err := catalog.Seed(ctx, seeder, packages); err != nil {
		return fmt.Errorf("seed package catalog: %w", err)
	}
	return nil
}

// systemStatusHandler reports the validator process's own resource
// load, the ambient counterpart to section 6's route table (the 4.8
// scheduler's backpressure signal from section 5, surfaced for operators).
func systemStatusHandler(reader *selfload.Reader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if reader == nil {
			http.Error(w, `{"error":"self-load reader unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		snap, err := reader.Sample(r.Context())
		if err != nil {
			http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"cpu_percent":%.2f,"memory_percent":%.2f,"num_threads":%d,"taken_at":%q}`,
			snap.CPUPercent, snap.MemoryPercent, snap.NumGoroutine, snap.TakenAt.UTC().Format(time.RFC3339))
	}
}

// verificationEngineAdapter bridges internal/verification.Engine to
// the simpler scheduler.Engine interface: it resolves the executor's
// SSH target, mints a per-task challenge nonce, and records the
// verification metrics the engine itself has no opinion about.
type verificationEngineAdapter struct {
	engine         *verification.Engine
	executors      executorViews
	scoreThreshold float64
}

func (a verificationEngineAdapter) Run(ctx context.Context, task scheduler.Task) (scheduler.Outcome, error) {
	ex, err := a.executors.Get(ctx, task.ExecutorID)
	if err != nil {
		return scheduler.Outcome{}, err
	}

	target, err := sshsession.ParseCredentials(ex.GRPCEndpoint)
	if err != nil {
		return scheduler.Outcome{}, fmt.Errorf("parse SSH target for executor %s: %w", task.ExecutorID, err)
	}

	outcome, err := a.engine.Run(ctx, verification.Task{
		ExecutorID:     task.ExecutorID,
		MinerUID:       task.MinerUID,
		SSHTarget:      target,
		ChallengeNonce: telemetry.NewTraceID(),
	})
	if err != nil {
		return scheduler.Outcome{}, err
	}
	if outcome.Skipped {
		return scheduler.Outcome{Skipped: true}, nil
	}

	outcomeLabel := "success"
	if outcome.Result.Score < a.scoreThreshold {
		outcomeLabel = "failure"
	}
	metrics.RecordVerification(string(outcome.Result.Strategy), outcomeLabel, outcome.Result.Score)

	return scheduler.Outcome{Score: outcome.Result.Score}, nil
}
