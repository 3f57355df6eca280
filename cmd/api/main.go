package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/primeee/primehost/account"
	"github.com/primeee/primehost/auth"
	"github.com/primeee/primehost/broker"
	"github.com/primeee/primehost/db"
	dockerDriver "github.com/primeee/primehost/driver/docker"
	"github.com/primeee/primehost/instance"
	"github.com/primeee/primehost/ledger"
	"github.com/primeee/primehost/provision"
	"github.com/primeee/primehost/reward"
	"github.com/primeee/primehost/util"

	"github.com/TheZeroSlave/zapsentry"
	dockerCli "github.com/docker/docker/client"
	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi"
	"github.com/go-chi/cors"
	"github.com/go-redis/redis/v7"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Build-time injected variables
var (
	Version = ""
)

func main() {
	var logger *zap.Logger
	var authEnvironment auth.Environment
	var dotFile string
	var err error

	// Determine running environment and initialize structural logger
	env := os.Getenv("ENV")
	if "production" == env {
		dotFile = ".env.production"
		authEnvironment = auth.EnvProduction
		logger, err = zap.NewProduction()
	} else {
		dotFile = ".env.development"
		authEnvironment = auth.EnvDevelopment
		logger, err = zap.NewDevelopment()
	}

	if err != nil {
		log.Fatalf("Cannot initialize logger: %v\n", err)
	}
	logger = logger.With(zap.String("Version", Version))

	// Initialize sentry for error reporting
	if err := sentry.Init(sentry.ClientOptions{
		Environment: string(authEnvironment),
		Debug:       authEnvironment == auth.EnvDevelopment,
	}); err != nil {
		log.Fatal("Cannot initialize sentry",
			zap.Error(err),
		)
	}
	defer sentry.Flush(time.Second * 2)

	// Attach sentry to zap so we can do automatic error capturing
	cfg := zapsentry.Configuration{
		Level: zapcore.ErrorLevel,
		Tags: map[string]string{
			"component": "api",
		},
	}
	core, err := zapsentry.NewCore(cfg, zapsentry.NewSentryClientFromClient(sentry.CurrentHub().Client()))
	logger = zapsentry.AttachCoreToLogger(core, logger)

	defer logger.Sync()

	// Load configurations from dotFile
	if err := godotenv.Load(dotFile); err != nil {
		logger.Fatal("Cannot load configurations from .env",
			zap.Error(err),
		)
	}

	// Initialize backend connections
	db, err := db.New(db.Options{
		URI:    os.Getenv("POSTGRES_URI"),
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot connect to Postgres",
			zap.Error(err),
		)
	}

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{os.Getenv("REDIS_URI")},
		Password: os.Getenv("REDIS_PW"),
		DB:       0,
	})
	if _, err := rdb.Ping().Result(); err != nil {
		logger.Fatal("Cannot connect to Redis",
			zap.Error(err),
		)
	}
	defer rdb.Close()

	amqpBroker, err := broker.NewAMQPBroker(logger, os.Getenv("AMQP_URI"))
	if err != nil {
		logger.Fatal("Cannot connect to Broker",
			zap.Error(err),
		)
	}
	defer amqpBroker.Close()

	dockerClient, err := dockerCli.NewEnvClient()
	if err != nil {
		logger.Fatal("Cannot connect to docker engine",
			zap.Error(err),
		)
	}

	advertiseAddr := os.Getenv("ADVERTISE_ADDR")
	if advertiseAddr == "" {
		advertiseAddr, err = util.GetPublicIP()
		if err != nil {
			logger.Fatal("Cannot determine public IP for advertising",
				zap.Error(err),
			)
		}
	}

	containerDriver, err := dockerDriver.NewClient(dockerDriver.Options{
		Client:        dockerClient,
		Logger:        logger,
		AdvertiseAddr: advertiseAddr,
	})
	if err != nil {
		logger.Fatal("Cannot initialize docker driver",
			zap.Error(err),
		)
	}

	authManager, err := auth.New(auth.Options{
		Logger:        logger,
		JWTSigningKey: os.Getenv("JWT_SIGNING_KEY"),
		Environment:   authEnvironment,
	})
	if err != nil {
		logger.Fatal("Cannot initialize AuthManager",
			zap.Error(err),
		)
	}

	accountManager, err := account.NewManager(logger, db)
	if err != nil {
		logger.Fatal("Cannot initialize AccountManager",
			zap.Error(err),
		)
	}

	ledgerManager, err := ledger.NewManager(logger, db)
	if err != nil {
		logger.Fatal("Cannot initialize LedgerManager",
			zap.Error(err),
		)
	}

	instanceManager, err := instance.NewManager(logger, db)
	if err != nil {
		logger.Fatal("Cannot initialize InstanceManager",
			zap.Error(err),
		)
	}

	rewardEngine, err := reward.NewEngine(reward.EngineOptions{
		DB:     db,
		Ledger: ledgerManager,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize RewardEngine",
			zap.Error(err),
		)
	}

	coordinator, err := provision.NewCoordinator(provision.CoordinatorOptions{
		Ledger:   ledgerManager,
		Registry: instanceManager,
		Driver:   containerDriver,
		Events:   amqpBroker,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Provisioning Coordinator",
			zap.Error(err),
		)
	}

	controller, err := instance.NewController(instance.ControllerOptions{
		Registry: instanceManager,
		Driver:   containerDriver,
		Events:   amqpBroker,
		Cache:    rdb,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Lifecycle Controller",
			zap.Error(err),
		)
	}

	accountRouter, err := account.NewService(account.Options{
		Auth:           authManager,
		AccountManager: accountManager,
		Ledger:         ledgerManager,
		Logger:         logger,
		ApplyReferral: func(ctx context.Context, accountID, code string) error {
			_, err := rewardEngine.ApplyReferral(ctx, accountID, code)
			return err
		},
	})
	if err != nil {
		logger.Fatal("Cannot initialize Account Service Router",
			zap.Error(err),
		)
	}

	instanceRouter, err := instance.NewService(instance.ServiceOptions{
		Provisioner: coordinator,
		Controller:  controller,
		Registry:    instanceManager,
		Logger:      logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Instance Service Router",
			zap.Error(err),
		)
	}

	rewardRouter, err := reward.NewService(reward.ServiceOptions{
		Engine: rewardEngine,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Reward Service Router",
			zap.Error(err),
		)
	}

	rootRouter := chi.NewRouter()

	rootRouter.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	rootRouter.Mount("/accounts", accountRouter.Router())

	rootRouter.Group(func(r chi.Router) {
		r.Use(authManager.Middleware())
		r.Use(authManager.ClaimCheck())
		r.Mount("/instances", instanceRouter.Router())
		r.Mount("/bonus", rewardRouter.BonusRouter())
		r.Mount("/referral", rewardRouter.ReferralRouter())
	})

	rootRouter.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "ok")
	})

	rootRouter.HandleFunc("/pprof/*", pprof.Index)
	rootRouter.HandleFunc("/pprof/cmdline", pprof.Cmdline)
	rootRouter.HandleFunc("/pprof/profile", pprof.Profile)
	rootRouter.HandleFunc("/pprof/symbol", pprof.Symbol)
	rootRouter.HandleFunc("/pprof/trace", pprof.Trace)

	addr := os.Getenv("API_ADDR")
	if addr == "" {
		addr = ":42069"
	}

	srv := &http.Server{
		Handler: rootRouter,
		Addr:    addr,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Cannot start API server",
				zap.Error(err),
			)
		}
	}()

	logger.Info("API server started",
		zap.String("Addr", addr),
	)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-c

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*15)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Cannot shutdown API server gracefully",
			zap.Error(err),
		)
	}
}
