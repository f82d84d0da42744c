package objectstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/creastat/usersync"
	"github.com/creastat/usersync/logger"
)

const (
	defaultRetryAttempts = 4
	defaultInitialDelay  = 100 * time.Millisecond
	defaultMaxDelay      = 2 * time.Second
)

// Template produces the default-schema data file for a user with no blob yet.
type Template func(ctx context.Context) ([]byte, error)

// Validator reports whether a fetched blob is a usable data file.
type Validator func(data []byte) error

// RetryPolicy bounds the exponential backoff applied to transient failures.
type RetryPolicy struct {
	Attempts     uint
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// Adapter is the object store contract the session manager consumes: fetch
// with first-use creation, and conditional store.
type Adapter struct {
	backend  Backend
	template Template
	validate Validator
	retry    RetryPolicy
	log      logger.Logger
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithTemplate sets the default blob factory.
func WithTemplate(t Template) AdapterOption {
	return func(a *Adapter) {
		a.template = t
	}
}

// WithValidator sets the blob integrity check.
func WithValidator(v Validator) AdapterOption {
	return func(a *Adapter) {
		a.validate = v
	}
}

// WithRetryPolicy overrides the backoff policy. Zero fields keep defaults.
func WithRetryPolicy(p RetryPolicy) AdapterOption {
	return func(a *Adapter) {
		if p.Attempts > 0 {
			a.retry.Attempts = p.Attempts
		}
		if p.InitialDelay > 0 {
			a.retry.InitialDelay = p.InitialDelay
		}
		if p.MaxDelay > 0 {
			a.retry.MaxDelay = p.MaxDelay
		}
	}
}

// WithLogger sets the adapter logger.
func WithLogger(l logger.Logger) AdapterOption {
	return func(a *Adapter) {
		a.log = l
	}
}

// NewAdapter wraps backend. Without a template new users get an empty blob;
// without a validator every blob is accepted.
func NewAdapter(backend Backend, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		backend: backend,
		template: func(context.Context) ([]byte, error) {
			return []byte{}, nil
		},
		validate: func([]byte) error { return nil },
		retry: RetryPolicy{
			Attempts:     defaultRetryAttempts,
			InitialDelay: defaultInitialDelay,
			MaxDelay:     defaultMaxDelay,
		},
		log: logger.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Fetch returns the user's blob, creating the default one on first use.
// Transient failures are retried. A blob that fails validation is returned at
// once as *usersync.IntegrityError and left untouched.
func (a *Adapter) Fetch(ctx context.Context, userID string) (*Object, error) {
	var obj *Object
	err := a.do(ctx, "fetch", userID, usersync.Retryable, func() error {
		o, err := a.getOrCreate(ctx, userID)
		if err != nil {
			return err
		}
		if err := a.validate(o.Data); err != nil {
			return &usersync.IntegrityError{UserID: userID, Err: err}
		}
		obj = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// ConditionalStore writes data only if the stored tag still equals
// expectedTag. A conflict is returned immediately; transient failures are
// retried with the same expected tag since the write did not take effect.
func (a *Adapter) ConditionalStore(ctx context.Context, userID string, data []byte, expectedTag string) (string, error) {
	var tag string
	err := a.do(ctx, "store", userID, usersync.Retryable, func() error {
		t, err := a.backend.Put(ctx, userID, data, expectedTag)
		if err != nil {
			return err
		}
		tag = t
		return nil
	})
	if err != nil {
		return "", err
	}
	return tag, nil
}

// Revalidate reports whether tag is still the stored version for userID.
func (a *Adapter) Revalidate(ctx context.Context, userID, tag string) (bool, error) {
	var current string
	err := a.do(ctx, "stat", userID, usersync.Retryable, func() error {
		t, err := a.backend.Stat(ctx, userID)
		if err != nil {
			return err
		}
		current = t
		return nil
	})
	if errors.Is(err, usersync.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return current == tag, nil
}

// Close closes the backend.
func (a *Adapter) Close() error {
	return a.backend.Close()
}

func (a *Adapter) getOrCreate(ctx context.Context, userID string) (*Object, error) {
	obj, err := a.backend.Get(ctx, userID)
	if err == nil {
		return obj, nil
	}
	if !errors.Is(err, usersync.ErrNotFound) {
		return nil, err
	}

	data, err := a.template(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to build default data file: %w", err)
	}
	tag, err := a.backend.Create(ctx, userID, data)
	if usersync.IsConflict(err) {
		// Another instance created it first; theirs is authoritative.
		return a.backend.Get(ctx, userID)
	}
	if err != nil {
		return nil, err
	}

	a.log.Info("created default data file", logger.F("user_id", userID), logger.F("tag", tag))
	return &Object{UserID: userID, Data: data, Tag: tag}, nil
}

func (a *Adapter) do(ctx context.Context, op, userID string, retryIf func(error) bool, fn func() error) error {
	return retry.Do(fn,
		retry.Attempts(a.retry.Attempts),
		retry.Delay(a.retry.InitialDelay),
		retry.MaxDelay(a.retry.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(retryIf),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			a.log.Warn("retrying object store operation",
				logger.F("op", op),
				logger.F("user_id", userID),
				logger.F("attempt", n+1),
				logger.F("error", err.Error()),
			)
		}),
	)
}
