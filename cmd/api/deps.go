package main

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"banklink/internal/domain/account"
	"banklink/internal/domain/audit"
	"banklink/internal/domain/consent"
	"banklink/internal/domain/events"
	"banklink/internal/domain/notification"
	"banklink/internal/domain/openfinance"
	"banklink/internal/domain/token"
	"banklink/internal/domain/webhook"
	"banklink/internal/infrastructure/crypto"
	"banklink/internal/infrastructure/firebase"
	"banklink/internal/infrastructure/kafka"
	ofclient "banklink/internal/infrastructure/openfinance"
	"banklink/internal/infrastructure/postgres"
	"banklink/internal/infrastructure/redis"
	httphandlers "banklink/internal/interfaces/http"
	"banklink/internal/interfaces/scheduler"
	"banklink/internal/shared/auth"
	"banklink/internal/shared/config"
	"banklink/internal/shared/messages"
)

// Dependencies holds all initialized application components.
type Dependencies struct {
	DB *postgres.DB

	// Handlers
	ConsentHandler      *httphandlers.ConsentHandler
	AccountHandler      *httphandlers.AccountHandler
	TransactionHandler  *httphandlers.TransactionHandler
	WebhookHandler      *httphandlers.WebhookHandler
	NotificationHandler *httphandlers.NotificationHandler
	HealthHandler       *httphandlers.HealthHandler

	// Auth
	JWT *auth.JWT

	// Background work
	Pool         *scheduler.WorkerPool
	Orchestrator *openfinance.Orchestrator
	ConsentSvc   *consent.Service
	ConsentRepo  *postgres.ConsentRepository

	redisClient *goredis.Client
	publisher   *kafka.Publisher
}

// NewDependencies initializes all application dependencies. Redis, Kafka and
// Firebase are optional; without them the process uses an in-process lock,
// drops domain events and stores notifications without pushing them.
func NewDependencies(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Dependencies, error) {
	db, err := postgres.New(cfg.Database.ConnectionString(), postgres.DefaultPoolConfig())
	if err != nil {
		return nil, err
	}
	log.Info("connected to database")

	if err := db.ApplySchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	encryptor, err := crypto.NewEncryptor(cfg.Encryption.Key)
	if err != nil {
		db.Close()
		return nil, err
	}

	deps := &Dependencies{DB: db}

	// Repositories
	consentRepo := postgres.NewConsentRepository(db)
	institutionRepo := postgres.NewInstitutionRepository(db)
	tokenRepo := postgres.NewTokenRepository(db)
	accountRepo := postgres.NewAccountRepository(db)
	transactionRepo := postgres.NewTransactionRepository(db)
	webhookRepo := postgres.NewWebhookRepository(db)
	auditRepo := postgres.NewAuditRepository(db)
	notificationRepo := postgres.NewNotificationRepository(db)
	deps.ConsentRepo = consentRepo

	// Aggregator client
	ofClient := ofclient.NewClient(ofclient.Options{
		BaseURL:       cfg.Aggregator.BaseURL,
		AuthURL:       cfg.Aggregator.AuthURL,
		TokenURL:      cfg.Aggregator.TokenURL,
		ClientID:      cfg.Aggregator.ClientID,
		ClientSecret:  cfg.Aggregator.ClientSecret,
		RedirectURL:   cfg.Aggregator.RedirectURL,
		WebhookSecret: cfg.Aggregator.WebhookSecret,
		Scopes:        cfg.Aggregator.Scopes,
		Timeout:       cfg.Aggregator.RequestTimeout,
		Retry: ofclient.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
		},
		Logger: log,
	})
	log.Info("aggregator client configured",
		zap.String("base_url", cfg.Aggregator.BaseURL),
		zap.Bool("sandbox", cfg.Aggregator.Sandbox))

	// Optional infrastructure
	var publisher events.Publisher = events.NopPublisher{}
	if len(cfg.Kafka.Brokers) > 0 {
		p, err := kafka.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		if err != nil {
			log.Warn("kafka unavailable, domain events disabled", zap.Error(err))
		} else {
			deps.publisher = p
			publisher = p
		}
	}

	var locker openfinance.Locker
	if cfg.Redis.Addr != "" {
		client, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Warn("redis unavailable, using in-process sync lock", zap.Error(err))
		} else {
			deps.redisClient = client
			locker = redis.NewLocker(client, "banklink:sync:")
		}
	}

	texts := messages.Defaults()
	if cfg.Firebase.MessagesFile != "" {
		loaded, err := messages.Load(cfg.Firebase.MessagesFile)
		if err != nil {
			log.Warn("failed to load notification messages, using defaults", zap.Error(err))
		} else {
			texts = loaded
		}
	}

	var messenger notification.Messenger
	if cfg.Firebase.CredentialsFile != "" {
		fcm, err := firebase.NewClient(ctx, cfg.Firebase.CredentialsFile, notificationRepo.DeactivateToken, log)
		if err != nil {
			log.Warn("firebase unavailable, push delivery disabled", zap.Error(err))
		} else {
			messenger = fcm
		}
	}

	// Domain services
	recorder := audit.NewRecorder(auditRepo, log)
	tokenManager := token.NewManager(tokenRepo, encryptor, ofClient, log)
	accountService := account.NewService(accountRepo)
	notificationService := notification.NewService(notificationRepo, messenger, texts, log)

	orchestrator := openfinance.NewOrchestrator(openfinance.Deps{
		Client:       ofClient,
		Tokens:       tokenManager,
		Consents:     consentRepo,
		Accounts:     accountRepo,
		Transactions: transactionRepo,
		Audit:        recorder,
		Publisher:    publisher,
		Locker:       locker,
		Notifier:     notificationService,
		Logger:       log,
	}, openfinance.Config{
		InitialWindow:      days(cfg.Sync.InitialWindowDays),
		IncrementalWindow:  days(cfg.Sync.IncrementalWindowDays),
		PageSize:           cfg.Sync.PageSize,
		RunTimeout:         cfg.Sync.RunTimeout,
		AccountConcurrency: cfg.Sync.AccountConcurrency,
		LockTTL:            cfg.Redis.LockTTL,
	})
	deps.Orchestrator = orchestrator

	pool := scheduler.NewWorkerPool(scheduler.PoolConfig{
		WorkerCount: cfg.Scheduler.WorkerCount,
		JobDelay:    cfg.Scheduler.JobDelay,
		QueueSize:   cfg.Scheduler.QueueSize,
		JobTimeout:  cfg.Sync.RunTimeout,
		Logger:      log,
	})
	deps.Pool = pool

	consentService := consent.NewService(consent.Deps{
		Repo:         consentRepo,
		Institutions: institutionRepo,
		Aggregator:   ofClient,
		Tokens:       tokenManager,
		Accounts:     accountRepo,
		Syncer:       scheduler.NewInitialSyncEnqueuer(pool, orchestrator),
		Audit:        recorder,
		Publisher:    publisher,
		Notifier:     notificationService,
		Logger:       log,
	}, consent.Config{
		DefaultInstitution: cfg.Aggregator.DefaultInstitution,
		Scopes:             cfg.Aggregator.Scopes,
	})
	deps.ConsentSvc = consentService

	ingestor := webhook.NewIngestor(ofClient, webhookRepo, accountRepo, transactionRepo, recorder, log)

	deps.JWT = auth.NewJWT(cfg.JWT.Secret)
	deps.ConsentHandler = httphandlers.NewConsentHandler(consentService, cfg.Frontend.CallbackURL, log)
	deps.AccountHandler = httphandlers.NewAccountHandler(accountService, orchestrator, log)
	deps.TransactionHandler = httphandlers.NewTransactionHandler(accountService, transactionRepo, log)
	deps.WebhookHandler = httphandlers.NewWebhookHandler(ingestor, log)
	deps.NotificationHandler = httphandlers.NewNotificationHandler(notificationService, log)
	deps.HealthHandler = httphandlers.NewHealthHandler(db, ofClient)

	return deps, nil
}

// Close releases all resources held by dependencies.
func (d *Dependencies) Close(log *zap.Logger) {
	if d.publisher != nil {
		if err := d.publisher.Close(); err != nil {
			log.Warn("failed to close kafka publisher", zap.Error(err))
		}
	}
	if d.redisClient != nil {
		if err := d.redisClient.Close(); err != nil {
			log.Warn("failed to close redis client", zap.Error(err))
		}
	}
	if d.DB != nil {
		d.DB.Close()
	}
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
