// Package resultcache holds finished command results for a short time so a
// caller that asks after the command already exited still gets its answer.
package resultcache

import (
	"log/slog"
	"sync"
	"time"
)

// Config defines the cache limits.
type Config struct {
	TTL           time.Duration `yaml:"ttl"`
	Capacity      int           `yaml:"capacity"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		TTL:           60 * time.Second,
		Capacity:      1024,
		SweepInterval: 10 * time.Second,
	}
}

type entry struct {
	value   interface{}
	expires time.Time
}

// Cache is a fixed-capacity, passively expiring map keyed by execution id.
type Cache struct {
	cfg Config
	log *slog.Logger
	now func() time.Time

	mu      sync.Mutex
	entries map[string]entry

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// New creates a cache. Zero config fields take their defaults.
func New(cfg Config, logger *slog.Logger) *Cache {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		cfg:     cfg,
		log:     logger.With("component", "resultcache"),
		now:     time.Now,
		entries: make(map[string]entry),
		stop:    make(chan struct{}),
	}
}

// Store records a result. When full, the entry closest to expiry is evicted.
func (c *Cache) Store(id string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[id]; !exists && len(c.entries) >= c.cfg.Capacity {
		c.evictLocked()
	}
	c.entries[id] = entry{value: value, expires: c.now().Add(c.cfg.TTL)}
}

// FetchAndDelete atomically claims a result. Only the first caller for an id
// gets it; expired entries are treated as missing.
func (c *Cache) FetchAndDelete(id string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	delete(c.entries, id)
	if !c.now().Before(e.expires) {
		return nil, false
	}
	return e.value, true
}

// Len returns the number of entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Start begins the periodic sweep loop.
func (c *Cache) Start() {
	c.wg.Add(1)
	go c.sweepLoop()
}

// Stop ends the sweep loop and waits for it to exit.
func (c *Cache) Stop() {
	c.once.Do(func() { close(c.stop) })
	c.wg.Wait()
}

// Sweep removes expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for id, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, id)
			removed++
		}
	}
	return removed
}

func (c *Cache) sweepLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.log.Debug("swept expired results", "count", n)
			}
		}
	}
}

func (c *Cache) evictLocked() {
	var victim string
	var earliest time.Time
	for id, e := range c.entries {
		if victim == "" || e.expires.Before(earliest) {
			victim, earliest = id, e.expires
		}
	}
	if victim != "" {
		delete(c.entries, victim)
	}
}
