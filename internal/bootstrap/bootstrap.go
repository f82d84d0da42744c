// Package bootstrap turns a loaded configuration into running drivers and a
// session manager.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/creastat/usersync/cache"
	"github.com/creastat/usersync/config"
	"github.com/creastat/usersync/datafile"
	"github.com/creastat/usersync/lock"
	"github.com/creastat/usersync/logger"
	"github.com/creastat/usersync/objectstore"
	"github.com/creastat/usersync/session"
	"github.com/creastat/usersync/supabase"
)

// App holds everything the daemon runs.
type App struct {
	Store    *objectstore.Adapter
	Locks    lock.Locker
	Sessions *session.Manager

	// Checks are the readiness probes of the configured remote stores.
	Checks map[string]func(ctx context.Context) error

	log      logger.Logger
	aws      *aws.Config
	supabase *supabase.Client
}

// New builds the drivers named in cfg and a session manager on top of them.
// Metrics are registered with reg.
func New(ctx context.Context, cfg *config.Config, log logger.Logger, reg prometheus.Registerer) (*App, error) {
	a := &App{
		log:    log,
		Checks: make(map[string]func(ctx context.Context) error),
	}

	backend, err := a.initBackend(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("object store: %w", err)
	}
	a.Store = objectstore.NewAdapter(backend,
		objectstore.WithTemplate(datafile.Template()),
		objectstore.WithValidator(datafile.Validate),
		objectstore.WithRetryPolicy(objectstore.RetryPolicy{
			Attempts:     uint(cfg.Retry.Attempts),
			InitialDelay: cfg.Retry.InitialDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
		}),
		objectstore.WithLogger(log.With(logger.F("component", "objectstore"))),
	)

	a.Locks, err = a.initLocker(ctx, cfg)
	if err != nil {
		_ = a.Store.Close()
		return nil, fmt.Errorf("lock store: %w", err)
	}

	a.Sessions, err = session.NewManager(a.Store, a.Locks,
		session.Config{
			IdleTimeout:      cfg.Session.IdleTimeout,
			LockTTL:          cfg.Session.LockTTL,
			WorkDir:          cfg.Session.WorkDir,
			RevalidateCached: cfg.Session.RevalidateCached,
		},
		session.WithLogger(log.With(logger.F("component", "session"))),
		session.WithCache(cache.New(cache.WithTTL(cfg.Session.CacheTTL))),
		session.WithMetrics(session.NewMetrics(reg)),
	)
	if err != nil {
		_ = a.Locks.Close()
		_ = a.Store.Close()
		return nil, err
	}

	log.Info("usersync ready",
		logger.F("object_store", cfg.ObjectStore.Type),
		logger.F("lock_store", cfg.Lock.Type),
		logger.F("idle_timeout", cfg.Session.IdleTimeout.String()),
		logger.F("lock_ttl", cfg.Session.LockTTL.String()),
	)
	return a, nil
}

// Close ends all sessions, then closes the drivers.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.Sessions.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.Locks.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close lock store: %w", err))
	}
	if err := a.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close object store: %w", err))
	}
	return errors.Join(errs...)
}

func (a *App) initBackend(ctx context.Context, cfg *config.Config) (objectstore.Backend, error) {
	oc := cfg.ObjectStore

	switch oc.Type {
	case config.StoreS3:
		awsCfg, err := a.awsConfig(ctx)
		if err != nil {
			return nil, err
		}
		client := s3.NewFromConfig(awsCfg, func(options *s3.Options) {
			if oc.Endpoint != "" {
				options.BaseEndpoint = aws.String(oc.Endpoint)
			}
			options.UsePathStyle = oc.UsePathStyle
		})
		opts := []objectstore.Option{
			objectstore.WithS3Client(client),
			objectstore.WithBucket(oc.Bucket),
			objectstore.WithKeyPrefix(oc.KeyPrefix),
		}
		if oc.SSE || oc.KMSKeyID != "" {
			opts = append(opts, objectstore.WithServerSideEncryption(oc.KMSKeyID))
		}
		a.Checks["s3"] = func(ctx context.Context) error {
			_, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(oc.Bucket)})
			return err
		}
		return objectstore.NewBackend(objectstore.TypeS3, opts...)

	case config.StoreSupabase:
		client, err := a.supabaseClient(cfg)
		if err != nil {
			return nil, err
		}
		table := oc.Table
		if table == "" {
			table = supabase.DefaultBlobTable
		}
		a.Checks["supabase_blobs"] = func(ctx context.Context) error {
			return client.Ping(ctx, table)
		}
		return objectstore.NewBackend(objectstore.TypeSupabase,
			objectstore.WithSupabaseClient(client),
			objectstore.WithTable(table),
		)

	default:
		a.log.Warn("using in-memory object store, data does not survive restarts")
		return objectstore.NewBackend(objectstore.Type(oc.Type))
	}
}

func (a *App) initLocker(ctx context.Context, cfg *config.Config) (lock.Locker, error) {
	lc := cfg.Lock

	switch lc.Type {
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.Checks["redis"] = func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}
		return lock.NewLocker(lock.TypeRedis,
			lock.WithRedisClient(client),
			lock.WithKeyPrefix(lc.KeyPrefix),
		)

	case config.StoreDynamoDB:
		awsCfg, err := a.awsConfig(ctx)
		if err != nil {
			return nil, err
		}
		client := dynamodb.NewFromConfig(awsCfg, func(options *dynamodb.Options) {
			if lc.Endpoint != "" {
				options.BaseEndpoint = aws.String(lc.Endpoint)
			}
		})
		a.Checks["dynamodb"] = func(ctx context.Context) error {
			_, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(lc.Table)})
			return err
		}
		return lock.NewLocker(lock.TypeDynamoDB,
			lock.WithDynamoDBClient(client),
			lock.WithTable(lc.Table),
			lock.WithKeyPrefix(lc.KeyPrefix),
		)

	case config.StoreSupabase:
		client, err := a.supabaseClient(cfg)
		if err != nil {
			return nil, err
		}
		table := lc.Table
		if table == "" {
			table = supabase.DefaultLockTable
		}
		a.Checks["supabase_locks"] = func(ctx context.Context) error {
			return client.Ping(ctx, table)
		}
		return lock.NewLocker(lock.TypeSupabase,
			lock.WithSupabaseClient(client),
			lock.WithTable(table),
		)

	default:
		a.log.Warn("using in-memory lock store, only safe with a single instance")
		return lock.NewLocker(lock.Type(lc.Type))
	}
}

// awsConfig loads the shared AWS configuration once.
func (a *App) awsConfig(ctx context.Context) (aws.Config, error) {
	if a.aws != nil {
		return *a.aws, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load aws config: %w", err)
	}
	a.aws = &awsCfg
	return awsCfg, nil
}

// supabaseClient creates the shared Supabase client once.
func (a *App) supabaseClient(cfg *config.Config) (*supabase.Client, error) {
	if a.supabase != nil {
		return a.supabase, nil
	}
	client, err := supabase.New(supabase.Config{
		URL:     cfg.Supabase.URL,
		APIKey:  cfg.Supabase.APIKey,
		Timeout: cfg.Supabase.Timeout,
	})
	if err != nil {
		return nil, err
	}
	a.supabase = client
	return client, nil
}
