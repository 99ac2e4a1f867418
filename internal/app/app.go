package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/suPer8Hu/convcache/internal/ai"
	"github.com/suPer8Hu/convcache/internal/chat"
	"github.com/suPer8Hu/convcache/internal/config"
	"github.com/suPer8Hu/convcache/internal/db"
	"github.com/suPer8Hu/convcache/internal/dedup"
	"github.com/suPer8Hu/convcache/internal/gateway"
	"github.com/suPer8Hu/convcache/internal/migration"
	"github.com/suPer8Hu/convcache/internal/retention"
	"github.com/suPer8Hu/convcache/internal/store/rabbitmq"
	"github.com/suPer8Hu/convcache/internal/store/redisstore"
	"github.com/suPer8Hu/convcache/internal/usage"
)

// App owns every store handle of a process. Entry points build one, hand its parts to
// the gateway or worker, and Close it on the way out.
type App struct {
	Cfg config.Config
	Log *logrus.Logger

	ColdDB *gorm.DB
	AuthDB *gorm.DB
	Hot    *redisstore.Store

	Cold       *chat.Repo
	Auth       *chat.Repo
	Index      *dedup.Index
	Ledger     *usage.Ledger
	Migrations *migration.Coordinator
	// Publisher is nil when RABBIT_URL is empty.
	Publisher *rabbitmq.Publisher
}

func ColdModels() []any {
	models := chat.Models()
	models = append(models, dedup.Models()...)
	models = append(models, usage.Models()...)
	return append(models, migration.Models()...)
}

// Open connects and migrates both SQL tiers, the HotStore and, when configured, the
// replication queue.
func Open(cfg config.Config, log *logrus.Logger) (*App, error) {
	a := &App{Cfg: cfg, Log: log}

	var err error
	if a.ColdDB, err = db.Open(cfg.DBDSN, db.Options{}); err != nil {
		return nil, fmt.Errorf("cold store: %w", err)
	}
	if err := db.Migrate(a.ColdDB, ColdModels()...); err != nil {
		a.Close()
		return nil, fmt.Errorf("cold store: %w", err)
	}
	if a.AuthDB, err = db.Open(cfg.AuthoritativeDSN, db.Options{}); err != nil {
		a.Close()
		return nil, fmt.Errorf("authoritative store: %w", err)
	}
	if err := db.Migrate(a.AuthDB, chat.Models()...); err != nil {
		a.Close()
		return nil, fmt.Errorf("authoritative store: %w", err)
	}

	a.Hot = redisstore.New(redisstore.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Timeout:  cfg.HotStoreTimeout,
	})
	if err := a.Hot.Ping(context.Background()); err != nil {
		// the HotStore is an optimization; requests fall back to the ColdStore
		log.WithError(err).Warn("hotstore unreachable at startup")
	}

	if cfg.RabbitURL != "" {
		if a.Publisher, err = rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue); err != nil {
			a.Close()
			return nil, fmt.Errorf("rabbit publisher: %w", err)
		}
	}

	a.Cold = chat.NewRepo(a.ColdDB, chat.TierCold)
	a.Auth = chat.NewRepo(a.AuthDB, chat.TierAuthoritative)
	a.Index = dedup.NewIndex(a.ColdDB, cfg.DedupTTL)
	a.Ledger = usage.NewLedger(a.ColdDB, usage.Options{
		Limits: usage.Limits{
			Anonymous: cfg.QuotaAnonymous,
			Free:      cfg.QuotaFree,
			Pro:       cfg.QuotaPro,
		},
		Period:          usage.Period(cfg.QuotaPeriod),
		CostPer1KTokens: cfg.CostPer1KTokens,
	})

	deps := migration.Deps{Cold: a.Cold, Authoritative: a.Auth, Logger: log}
	if a.Publisher != nil {
		deps.Enqueuer = a.Publisher
	}
	a.Migrations = migration.New(deps, migration.Options{ClaimTTL: cfg.MigrationClaimTTL})
	return a, nil
}

// Gateway resolves the configured provider and builds the session gateway.
func (a *App) Gateway(ctx context.Context) (*gateway.Gateway, error) {
	reg := ai.DefaultRegistry(ai.Options{
		OllamaBaseURL:     a.Cfg.OllamaBaseURL,
		OllamaModel:       a.Cfg.OllamaModel,
		OllamaEmbedModel:  a.Cfg.OllamaEmbedModel,
		OpenRouterBaseURL: a.Cfg.OpenRouterBaseURL,
		OpenRouterAPIKey:  a.Cfg.OpenRouterAPIKey,
		OpenRouterModel:   a.Cfg.OpenRouterModel,
		OpenRouterSiteURL: a.Cfg.OpenRouterSiteURL,
		OpenRouterAppName: a.Cfg.OpenRouterAppName,
	})
	gen, err := reg.Get(ctx, a.Cfg.AIProvider, "")
	if err != nil {
		return nil, err
	}

	var embedder ai.Embedder
	if a.Cfg.OllamaEmbedModel != "" {
		if e, ok := gen.(ai.Embedder); ok {
			embedder = e
		} else {
			p := ai.NewOllamaProvider(a.Cfg.OllamaBaseURL, a.Cfg.OllamaModel)
			p.EmbedModel = a.Cfg.OllamaEmbedModel
			embedder = p
		}
	}

	return gateway.New(gateway.Deps{
		Hot:           a.Hot,
		Cold:          a.Cold,
		Authoritative: a.Auth,
		Index:         a.Index,
		Ledger:        a.Ledger,
		Migrations:    a.Migrations,
		Generator:     gen,
		Embedder:      embedder,
		Logger:        a.Log,
	}, gateway.Options{
		HotTTL:          a.Cfg.HotStoreTTL,
		GenerateTimeout: a.Cfg.GenerateTimeout,
		ContextWindow:   a.Cfg.ChatContextWindowSize,
	}), nil
}

func (a *App) Janitor() *retention.Janitor {
	return retention.New(retention.Deps{
		Hot:           a.Hot,
		Cold:          a.Cold,
		Authoritative: a.Auth,
		Index:         a.Index,
		Ledger:        a.Ledger,
		Logger:        a.Log,
	}, retention.Options{
		AnonymousRetention: a.Cfg.AnonymousRetention,
		Interval:           a.Cfg.GCInterval,
	})
}

func (a *App) Close() error {
	var errs []error
	if a.Publisher != nil {
		errs = append(errs, a.Publisher.Close())
	}
	if a.Hot != nil {
		errs = append(errs, a.Hot.Close())
	}
	if a.AuthDB != nil {
		errs = append(errs, db.Close(a.AuthDB))
	}
	if a.ColdDB != nil {
		errs = append(errs, db.Close(a.ColdDB))
	}
	return errors.Join(errs...)
}
