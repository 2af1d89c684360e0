package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"tryon-backend/internal/imageprep"
	"tryon-backend/internal/ledger"
	"tryon-backend/internal/provider"
	"tryon-backend/internal/shared/config"
	"tryon-backend/internal/shared/server"
	"tryon-backend/internal/shared/server/middleware"
	"tryon-backend/internal/shared/storage/db"
	"tryon-backend/internal/shared/storage/object"
	localstore "tryon-backend/internal/shared/storage/object/local"
	s3store "tryon-backend/internal/shared/storage/object/s3"
	"tryon-backend/internal/shared/telemetry"
	"tryon-backend/internal/tryon"
)

const redisPingTimeout = 3 * time.Second

// App holds shared dependencies.
type App struct {
	Config       config.Config
	Router       *gin.Engine
	DB           *sql.DB
	Redis        *redis.Client
	Store        object.ObjectStore
	LedgerStore  ledger.Store
	Gate         *ledger.Gate
	Provider     provider.Client
	TryOn        *tryon.Service
	TryOnHandler *tryon.Handler
}

// Build wires every dependency and the router from cfg.
func Build(cfg config.Config) (*App, error) {
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = "dev"
	}
	if strings.TrimSpace(cfg.ObjectStoreType) == "" {
		cfg.ObjectStoreType = "local"
	}
	telemetry.SetLevel(cfg.LogLevel)
	ctx := context.Background()

	app := &App{Config: cfg}

	ledgerStore, err := buildLedgerStore(ctx, app)
	if err != nil {
		return nil, err
	}
	app.LedgerStore = ledgerStore

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	app.Store = store

	prov, err := provider.NewHTTPClient(provider.Options{
		BaseURL: cfg.ProviderURL,
		APIKey:  cfg.ProviderAPIKey,
	})
	if err != nil {
		return nil, err
	}
	app.Provider = prov

	buildServices(app)

	app.Router = server.NewRouter(server.RouterDeps{
		Config:       app.Config,
		TryOnHandler: app.TryOnHandler,
		RateLimiter:  middleware.NewRateLimiter(nil),
	})

	return app, nil
}

func buildServices(app *App) {
	cfg := app.Config
	app.Gate = ledger.NewGate(app.LedgerStore, ledger.Pricing{
		ledger.TierStandard: cfg.TierCostStandard,
		ledger.TierHigh:     cfg.TierCostHigh,
	})

	clock := tryon.RealClock()
	app.TryOn = &tryon.Service{
		Prep: imageprep.New(imageprep.Options{
			MaxBytes:     int(cfg.MaxImageBytes),
			MaxDimension: cfg.MaxDimension,
			MaxPixels:    cfg.MaxPixels,
			Quality:      cfg.ImageQuality,
		}),
		Ledger:   app.Gate,
		Provider: app.Provider,
		Poller: &tryon.Poller{
			Client:   app.Provider,
			Clock:    clock,
			Interval: cfg.PollInterval,
			Budget:   cfg.TryOnTimeout,
		},
		Fetcher: &tryon.Fetcher{
			Store:         app.Store,
			PublicBaseURL: cfg.PublicBaseURL,
			Mirror:        cfg.ResultMirror,
		},
		Clock:        clock,
		ReturnBase64: cfg.ReturnBase64,
	}
	app.TryOnHandler = tryon.NewHandler(app.TryOn, app.Gate, app.Store, int(cfg.MaxImageBytes))
}

func buildLedgerStore(ctx context.Context, app *App) (ledger.Store, error) {
	cfg := app.Config
	switch cfg.LedgerBackend {
	case "postgres":
		sqlDB, err := buildDB(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if sqlDB == nil {
			return ledger.NewMemoryStore(cfg.LedgerDefaultBalance), nil
		}
		if err := db.RunMigrations(ctx, sqlDB); err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		app.DB = sqlDB
		return ledger.NewPGStore(sqlDB, cfg.LedgerDefaultBalance), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			if isDevLike(cfg.Env) {
				log.Printf("bootstrap: redis unreachable; using in-memory ledger: %v", err)
				return ledger.NewMemoryStore(cfg.LedgerDefaultBalance), nil
			}
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		app.Redis = client
		return ledger.NewRedisStore(client, cfg.LedgerDefaultBalance), nil
	default:
		if !isDevLike(cfg.Env) {
			log.Printf("bootstrap: in-memory ledger in %s; balances reset on restart", cfg.Env)
		}
		return ledger.NewMemoryStore(cfg.LedgerDefaultBalance), nil
	}
}

func buildDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		if isDevLike(cfg.Env) {
			log.Printf("bootstrap: DATABASE_URL empty; using in-memory ledger")
			return nil, nil
		}
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	profile := db.ProfileServer
	if cfg.Lambda {
		profile = db.ProfileLambda
	}
	sqlDB, err := db.Connect(ctx, cfg.DatabaseURL, DBOptions(cfg, profile))
	if err != nil {
		if isDevLike(cfg.Env) {
			log.Printf("bootstrap: database connect failed; using in-memory ledger: %v", err)
			return nil, nil
		}
		return nil, err
	}

	return sqlDB, nil
}

// DBOptions sizes the pool for profile, applying any DB_* overrides from cfg.
func DBOptions(cfg config.Config, profile db.Profile) db.Options {
	p := cfg.DBPool
	return db.ProfileOptions(profile).Merge(db.Options{
		MaxOpenConns:    p.MaxOpenConns,
		MaxIdleConns:    p.MaxIdleConns,
		ConnMaxLifetime: p.ConnMaxLifetime,
		ConnMaxIdleTime: p.ConnMaxIdleTime,
		PingTimeout:     p.PingTimeout,
	})
}

func buildStore(ctx context.Context, cfg config.Config) (object.ObjectStore, error) {
	switch cfg.ObjectStoreType {
	case "s3":
		if strings.TrimSpace(cfg.S3Bucket) == "" {
			return nil, fmt.Errorf("OBJECT_STORE=s3 requires S3_BUCKET")
		}
		return s3store.New(ctx, cfg.AWSRegion, cfg.S3Bucket, cfg.S3Prefix, cfg.SSEKMSKeyID)
	default:
		return localstore.New(cfg.LocalStoreDir), nil
	}
}

func isDevLike(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "local":
		return true
	default:
		return false
	}
}
