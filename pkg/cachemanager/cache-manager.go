package cachemanager

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"waterfeed/pkg/cache"
	"waterfeed/pkg/models"
	"waterfeed/pkg/utils/logger"

	"go.uber.org/multierr"
)

// ErrDegraded is returned by Durable when the durable tier could not be
// opened and the manager serves from memory only.
var ErrDegraded = errors.New("durable cache unavailable; running memory-only")

// IDurableCache is the contract shared by the disk and redis backends.
type IDurableCache interface {
	Read(key string) (cache.ReadHandle, bool, error)
	BeginWrite(key string) (cache.WriteHandle, bool, error)
	Commit(h cache.WriteHandle) error
	Abort(h cache.WriteHandle) error
	Flush() error
	Remove(key string) error
	Contains(key string) bool
	Size() int64
	Len() int
	Budget() int64
	OnEvict(fn func(key string, size int64))
	Close() error
}

type healthChecker interface {
	Health() error
}

// CacheManager owns both cache tiers for the lifetime of the process.
type CacheManager struct {
	memory   *cache.MemoryCache
	durable  IDurableCache
	degraded error
	logger   *logger.Logger

	healthTicker *time.Ticker
	stopChan     chan struct{}
	closeOnce    sync.Once
}

func NewCacheManager(memory *cache.MemoryCache, durable IDurableCache, log *logger.Logger) *CacheManager {
	if log == nil {
		log = logger.Nop()
	}
	return &CacheManager{
		memory:   memory,
		durable:  durable,
		logger:   log,
		stopChan: make(chan struct{}),
	}
}

// NewDegradedCacheManager builds a memory-only manager. reason is kept so
// callers can report why the durable tier is missing.
func NewDegradedCacheManager(memory *cache.MemoryCache, reason error, log *logger.Logger) *CacheManager {
	cm := NewCacheManager(memory, nil, log)
	if reason == nil {
		reason = ErrDegraded
	}
	cm.degraded = reason
	cm.logger.Warn(fmt.Sprintf("Durable cache disabled, continuing memory-only: %v", reason))
	return cm
}

// OpenDurable builds the backend named by config.Disk.Type. dir is used by
// the disk backend only.
func OpenDurable(config *models.WaterfeedConfig, dir string, log *logger.Logger) (IDurableCache, error) {
	switch strings.ToLower(config.Disk.Type) {
	case models.DURABLE_TYPE_DISK, "":
		disk, err := cache.OpenDiskCache(dir, config.Disk.SchemaVersion, config.Disk.BudgetBytes, log)
		if err != nil {
			return nil, err
		}
		return disk, nil
	case models.DURABLE_TYPE_REDIS:
		if config.Redis == nil {
			return nil, fmt.Errorf("redis configuration required for redis durable cache")
		}
		rc, err := cache.OpenRedisCache(config.Redis, config.Disk.SchemaVersion, config.Disk.BudgetBytes, log)
		if err != nil {
			return nil, err
		}
		return rc, nil
	default:
		return nil, fmt.Errorf("unsupported durable cache type: %s", config.Disk.Type)
	}
}

// Open resolves both tiers from config. A durable open failure is not
// fatal: the returned manager is degraded and says so.
func Open(config *models.WaterfeedConfig, dir string, memory *cache.MemoryCache, log *logger.Logger) *CacheManager {
	durable, err := OpenDurable(config, dir, log)
	if err != nil {
		return NewDegradedCacheManager(memory, fmt.Errorf("%w: %v", ErrDegraded, err), log)
	}
	return NewCacheManager(memory, durable, log)
}

func (cm *CacheManager) Memory() *cache.MemoryCache {
	return cm.memory
}

// Durable returns the durable tier, or ErrDegraded when running without one.
func (cm *CacheManager) Durable() (IDurableCache, error) {
	if cm.durable == nil {
		return nil, cm.DegradedReason()
	}
	return cm.durable, nil
}

func (cm *CacheManager) Degraded() bool {
	return cm.durable == nil
}

func (cm *CacheManager) DegradedReason() error {
	if cm.durable != nil {
		return nil
	}
	if cm.degraded == nil {
		return ErrDegraded
	}
	return cm.degraded
}

// StartHealthMonitoring pings a durable backend that supports it every
// interval and logs failures. It is a no-op for backends without Health.
func (cm *CacheManager) StartHealthMonitoring(interval time.Duration) {
	hc, ok := cm.durable.(healthChecker)
	if !ok || interval <= 0 || cm.healthTicker != nil {
		return
	}

	cm.healthTicker = time.NewTicker(interval)
	ticker := cm.healthTicker
	stop := cm.stopChan

	go func() {
		for {
			select {
			case <-ticker.C:
				if err := hc.Health(); err != nil {
					cm.logger.Error(fmt.Sprintf("Durable cache health check failed: %v", err))
				}
			case <-stop:
				return
			}
		}
	}()
}

// Close stops health monitoring and closes the durable tier.
func (cm *CacheManager) Close() error {
	var err error
	cm.closeOnce.Do(func() {
		if cm.healthTicker != nil {
			cm.healthTicker.Stop()
		}
		close(cm.stopChan)
		if cm.durable != nil {
			err = multierr.Append(err, cm.durable.Flush())
			err = multierr.Append(err, cm.durable.Close())
		}
	})
	return err
}
