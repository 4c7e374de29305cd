package storage

import (
	"context"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map"
)

type lease struct {
	holder  string
	expires time.Time
}

// MemoryMeta Meta kept in process. Instances sharing one MemoryMeta see each other's leases.
type MemoryMeta struct {
	mu        sync.Mutex
	meta      *Metadata
	leases    cmap.ConcurrentMap
	instances cmap.ConcurrentMap
	now       func() time.Time
}

func NewMemoryMeta() *MemoryMeta {
	return &MemoryMeta{
		leases:    cmap.New(),
		instances: cmap.New(),
		now:       time.Now,
	}
}

func (m *MemoryMeta) Close() error {
	return nil
}

func (m *MemoryMeta) Get(_ context.Context) (Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.meta == nil {
		return Metadata{}, ErrNotFound
	}
	return *m.meta, nil
}

func (m *MemoryMeta) Put(_ context.Context, meta Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.meta = &meta
	return nil
}

func (m *MemoryMeta) Register(_ context.Context, instance string, address string) error {
	m.instances.Set(instance, address)
	return nil
}

func (m *MemoryMeta) Resolve(_ context.Context, instance string) (string, error) {
	address, ok := m.instances.Get(instance)
	if !ok {
		return "", ErrNotFound
	}
	return address.(string), nil
}

func (m *MemoryMeta) Acquire(_ context.Context, name string, holder string, ttl time.Duration) (LeaseResult, error) {
	now := m.now()
	res := m.leases.Upsert(name, &lease{holder: holder, expires: now.Add(ttl)}, func(exist bool, inMap interface{}, newValue interface{}) interface{} {
		if !exist {
			return newValue
		}
		old := inMap.(*lease)
		if old.holder == holder || old.expires.Before(now) {
			return newValue
		}
		return old
	})
	if res.(*lease).holder != holder {
		return LeaseContended, nil
	}
	return LeaseAcquired, nil
}

func (m *MemoryMeta) Renew(_ context.Context, name string, holder string, ttl time.Duration) (LeaseResult, error) {
	now := m.now()
	renewed := false
	m.leases.Upsert(name, &lease{holder: holder, expires: now.Add(ttl)}, func(exist bool, inMap interface{}, newValue interface{}) interface{} {
		if !exist {
			return &lease{expires: now}
		}
		old := inMap.(*lease)
		if old.holder == holder && !old.expires.Before(now) {
			renewed = true
			return newValue
		}
		return old
	})
	if !renewed {
		return LeaseContended, nil
	}
	return LeaseAcquired, nil
}

func (m *MemoryMeta) Release(_ context.Context, name string, holder string) error {
	m.leases.Upsert(name, nil, func(exist bool, inMap interface{}, _ interface{}) interface{} {
		if exist && inMap.(*lease).holder == holder {
			return &lease{}
		}
		if exist {
			return inMap
		}
		return &lease{}
	})
	return nil
}

func (m *MemoryMeta) Holder(_ context.Context, name string) (string, bool, error) {
	val, ok := m.leases.Get(name)
	if !ok {
		return "", false, nil
	}
	l := val.(*lease)
	return l.holder, l.holder != "" && !l.expires.Before(m.now()), nil
}

// Expire Make a lease free immediately, as if its holder stopped renewing.
func (m *MemoryMeta) Expire(name string) {
	m.leases.Upsert(name, nil, func(exist bool, inMap interface{}, _ interface{}) interface{} {
		if !exist {
			return &lease{}
		}
		return &lease{holder: inMap.(*lease).holder}
	})
}
