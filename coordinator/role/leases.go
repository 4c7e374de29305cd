package role

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/microsoft/AMBROSIA-sub006/common/logger"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/storage"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/types"
)

var (
	// DefaultLeaseTTL Time a lease survives without renewal.
	DefaultLeaseTTL = 10 * time.Second
	// RetryInterval Delay between attempts on a contended lease.
	RetryInterval = 200 * time.Millisecond
	// AcquireAttempts Attempts on a contended lease before giving up, enough to outlast DefaultLeaseTTL.
	AcquireAttempts = 150
)

// Leases Leases held by this instance. Each is renewed until released, and failing to renew one
// is fatal with the class it was acquired with.
type Leases struct {
	Holder string
	TTL    time.Duration

	leaser storage.Leaser
	mu     sync.Mutex
	held   map[string]error
	log    logger.ILogger
}

func NewLeases(leaser storage.Leaser, holder string, ttl time.Duration) *Leases {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &Leases{
		Holder: holder,
		TTL:    ttl,
		leaser: leaser,
		held:   make(map[string]error),
		log:    &logger.ColorLogger{Prefix: "Leases ", Level: logger.LOG_LEVEL_INFO},
	}
}

// TryAcquire Take name once. Returns false if another instance holds it.
func (l *Leases) TryAcquire(ctx context.Context, name string, class error) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, err := l.leaser.Acquire(ctx, name, l.Holder, l.TTL)
	if err != nil {
		return false, err
	} else if res == storage.LeaseContended {
		return false, nil
	}
	l.held[name] = class
	l.log.Debug("Acquired %s", name)
	return true, nil
}

// Acquire Take name, waiting while it is contended. Fails with class once AcquireAttempts are used up.
func (l *Leases) Acquire(ctx context.Context, name string, class error) error {
	err := storage.NewRetryer(func(ctx context.Context) error {
		ok, err := l.TryAcquire(ctx, name, class)
		if err != nil {
			return err
		} else if !ok {
			return errors.Wrapf(storage.ErrRetryable, "lease %s contended", name)
		}
		return nil
	}, RetryInterval, 1).WithMaxAttempts(AcquireAttempts).Run(ctx)
	if errors.Is(err, storage.ErrRetriesExhausted) {
		return errors.Wrapf(class, "acquire %s: %v", name, err)
	}
	return err
}

// Release Stop renewing name and free it.
func (l *Leases) Release(ctx context.Context, name string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[name]; !ok {
		return
	}
	delete(l.held, name)
	if err := l.leaser.Release(ctx, name, l.Holder); err != nil {
		l.log.Warn("Failed to release %s: %v", name, err)
	}
}

// ReleaseAll Free every held lease, so other instances need not wait for them to expire.
func (l *Leases) ReleaseAll(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for name := range l.held {
		if err := l.leaser.Release(ctx, name, l.Holder); err != nil {
			l.log.Warn("Failed to release %s: %v", name, err)
		}
		delete(l.held, name)
	}
}

// Holds Returns true if name is held by this instance.
func (l *Leases) Holds(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.held[name]
	return ok
}

// Renew Renew every held lease once.
func (l *Leases) Renew(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for name, class := range l.held {
		res, err := l.leaser.Renew(ctx, name, l.Holder, l.TTL)
		if err == nil && res == storage.LeaseAcquired {
			continue
		}
		if err == nil {
			err = errors.New(res.String())
		}
		if ctx.Err() != nil {
			return
		}
		types.Fatal(errors.Wrapf(class, "renew %s: %v", name, err))
		delete(l.held, name)
	}
}

// Run Renew held leases every third of their TTL until ctx is done.
func (l *Leases) Run(ctx context.Context) {
	ticker := time.NewTicker(l.TTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Renew(ctx)
		case <-ctx.Done():
			return
		}
	}
}
