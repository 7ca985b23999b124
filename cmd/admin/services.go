package main

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

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
	"banklink/internal/shared/config"
)

// services is the part of the API dependency graph the admin commands run.
// Initial syncs are never queued from here.
type services struct {
	db           *postgres.DB
	orchestrator *openfinance.Orchestrator
	consents     *consent.Service
	ingestor     *webhook.Ingestor

	redisClient *goredis.Client
	publisher   *kafka.Publisher
	logger      *zap.Logger
}

func openDB(cfg *config.Config, lg *zap.Logger) *postgres.DB {
	db, err := postgres.New(cfg.Database.ConnectionString(), postgres.DefaultPoolConfig())
	if err != nil {
		lg.Fatal("failed to connect to database", zap.Error(err))
	}
	lg.Info("connected to database")
	return db
}

func newServices(ctx context.Context, cfg *config.Config, lg *zap.Logger) *services {
	db := openDB(cfg, lg)
	s := &services{db: db, logger: lg}

	encryptor, err := crypto.NewEncryptor(cfg.Encryption.Key)
	if err != nil {
		lg.Fatal("failed to create encryptor", zap.Error(err))
	}

	consentRepo := postgres.NewConsentRepository(db)
	accountRepo := postgres.NewAccountRepository(db)
	transactionRepo := postgres.NewTransactionRepository(db)
	notificationRepo := postgres.NewNotificationRepository(db)

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
		Logger: lg,
	})

	var publisher events.Publisher = events.NopPublisher{}
	if len(cfg.Kafka.Brokers) > 0 {
		if p, err := kafka.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, lg); err != nil {
			lg.Warn("kafka unavailable, domain events disabled", zap.Error(err))
		} else {
			s.publisher = p
			publisher = p
		}
	}

	// The API process may be syncing the same consents
	var locker openfinance.Locker
	if cfg.Redis.Addr != "" {
		if client, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB); err != nil {
			lg.Warn("redis unavailable, using in-process sync lock", zap.Error(err))
		} else {
			s.redisClient = client
			locker = redis.NewLocker(client, "banklink:sync:")
		}
	}

	var messenger notification.Messenger
	if cfg.Firebase.CredentialsFile != "" {
		if fcm, err := firebase.NewClient(ctx, cfg.Firebase.CredentialsFile, notificationRepo.DeactivateToken, lg); err != nil {
			lg.Warn("firebase unavailable, push delivery disabled", zap.Error(err))
		} else {
			messenger = fcm
		}
	}

	recorder := audit.NewRecorder(postgres.NewAuditRepository(db), lg)
	tokenManager := token.NewManager(postgres.NewTokenRepository(db), encryptor, ofClient, lg)
	notificationService := notification.NewService(notificationRepo, messenger, nil, lg)

	s.orchestrator = openfinance.NewOrchestrator(openfinance.Deps{
		Client:       ofClient,
		Tokens:       tokenManager,
		Consents:     consentRepo,
		Accounts:     accountRepo,
		Transactions: transactionRepo,
		Audit:        recorder,
		Publisher:    publisher,
		Locker:       locker,
		Notifier:     notificationService,
		Logger:       lg,
	}, openfinance.Config{
		InitialWindow:      days(cfg.Sync.InitialWindowDays),
		IncrementalWindow:  days(cfg.Sync.IncrementalWindowDays),
		PageSize:           cfg.Sync.PageSize,
		RunTimeout:         cfg.Sync.RunTimeout,
		AccountConcurrency: cfg.Sync.AccountConcurrency,
		LockTTL:            cfg.Redis.LockTTL,
	})

	s.consents = consent.NewService(consent.Deps{
		Repo:         consentRepo,
		Institutions: postgres.NewInstitutionRepository(db),
		Aggregator:   ofClient,
		Tokens:       tokenManager,
		Accounts:     accountRepo,
		Syncer:       noInitialSync{logger: lg},
		Audit:        recorder,
		Publisher:    publisher,
		Notifier:     notificationService,
		Logger:       lg,
	}, consent.Config{
		DefaultInstitution: cfg.Aggregator.DefaultInstitution,
		Scopes:             cfg.Aggregator.Scopes,
	})

	s.ingestor = webhook.NewIngestor(ofClient, postgres.NewWebhookRepository(db), accountRepo, transactionRepo, recorder, lg)

	return s
}

func (s *services) Close() {
	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			s.logger.Warn("failed to close kafka publisher", zap.Error(err))
		}
	}
	if s.redisClient != nil {
		_ = s.redisClient.Close()
	}
	s.db.Close()
}

// noInitialSync satisfies consent.InitialSyncer; admin commands never
// complete a consent callback.
type noInitialSync struct {
	logger *zap.Logger
}

func (n noInitialSync) EnqueueInitialSync(_ context.Context, c *consent.Consent) error {
	n.logger.Warn("initial sync not available from the admin CLI", zap.String("consent_id", c.ID))
	return nil
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
