package remote

import (
	"context"
	"sync"
	"time"

	"github.com/patchplane/patchplane/pkg/logger"
	"github.com/patchplane/patchplane/pkg/models"
)

// hostEntry holds the cached session and locks for one asset.
type hostEntry struct {
	// mu serializes mutating operations against the host; probes take the
	// read side and may share.
	mu sync.RWMutex

	// dialMu guards session establishment and lastUsed.
	dialMu   sync.Mutex
	session  Session
	lastUsed time.Time
}

// Pool caches authenticated host sessions keyed by asset ID. It enforces the
// per-host concurrency contract: at most one mutating operation per host at a
// time, while read-only probes may share.
type Pool struct {
	mu      sync.Mutex
	hosts   map[string]*hostEntry
	dialer  Dialer
	idleTTL time.Duration
	logger  *logger.Logger

	done     chan struct{}
	stopOnce sync.Once
}

// NewPool creates a pool over the given dialer. A background sweep evicts
// sessions idle longer than idleTTL.
func NewPool(dialer Dialer, idleTTL time.Duration, log *logger.Logger) *Pool {
	if idleTTL == 0 {
		idleTTL = 5 * time.Minute
	}

	p := &Pool{
		hosts:   make(map[string]*hostEntry),
		dialer:  dialer,
		idleTTL: idleTTL,
		logger:  log.WithComponent("connection-pool"),
		done:    make(chan struct{}),
	}

	go p.sweep()

	return p
}

// Lease is a held session. Exclusive leases block all other operations on the
// host; shared leases block only exclusive ones.
type Lease struct {
	Session

	entry     *hostEntry
	exclusive bool
	once      sync.Once
}

// Release returns the lease. Safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.entry.dialMu.Lock()
		l.entry.lastUsed = time.Now()
		l.entry.dialMu.Unlock()

		if l.exclusive {
			l.entry.mu.Unlock()
		} else {
			l.entry.mu.RUnlock()
		}
	})
}

// Acquire leases a session to the asset, dialing lazily on first use.
// Pass exclusive=true for mutating operations, false for probes.
func (p *Pool) Acquire(ctx context.Context, asset *models.Asset, exclusive bool) (*Lease, error) {
	entry := p.entryFor(asset.ID.String())

	if exclusive {
		entry.mu.Lock()
	} else {
		entry.mu.RLock()
	}

	session, err := p.ensureSession(ctx, entry, asset)
	if err != nil {
		if exclusive {
			entry.mu.Unlock()
		} else {
			entry.mu.RUnlock()
		}
		return nil, err
	}

	return &Lease{Session: session, entry: entry, exclusive: exclusive}, nil
}

// entryFor returns the host entry, creating it if needed.
func (p *Pool) entryFor(assetID string) *hostEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.hosts[assetID]
	if !ok {
		entry = &hostEntry{}
		p.hosts[assetID] = entry
	}
	return entry
}

// ensureSession dials if no cached session exists. Guarded by dialMu so that
// concurrent shared acquires dial exactly once.
func (p *Pool) ensureSession(ctx context.Context, entry *hostEntry, asset *models.Asset) (Session, error) {
	entry.dialMu.Lock()
	defer entry.dialMu.Unlock()

	if entry.session == nil {
		session, err := p.dialer.Dial(ctx, asset)
		if err != nil {
			return nil, err
		}
		entry.session = session
		p.logger.Debug("session cached", "asset_id", asset.ID)
	}

	entry.lastUsed = time.Now()
	return entry.session, nil
}

// Evict closes and drops the cached session for an asset. Blocks until no
// lease is held on the host.
func (p *Pool) Evict(assetID string) {
	p.mu.Lock()
	entry, ok := p.hosts[assetID]
	if ok {
		delete(p.hosts, assetID)
	}
	p.mu.Unlock()

	if !ok {
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	entry.dialMu.Lock()
	defer entry.dialMu.Unlock()

	if entry.session != nil {
		if err := entry.session.Close(); err != nil {
			p.logger.Warn("session close failed", "asset_id", assetID, "error", err)
		}
		entry.session = nil
	}
}

// Shutdown stops the sweeper and closes every cached session.
func (p *Pool) Shutdown() {
	p.stopOnce.Do(func() { close(p.done) })

	p.mu.Lock()
	hosts := p.hosts
	p.hosts = make(map[string]*hostEntry)
	p.mu.Unlock()

	for assetID, entry := range hosts {
		entry.mu.Lock()
		entry.dialMu.Lock()
		if entry.session != nil {
			if err := entry.session.Close(); err != nil {
				p.logger.Warn("session close failed", "asset_id", assetID, "error", err)
			}
			entry.session = nil
		}
		entry.dialMu.Unlock()
		entry.mu.Unlock()
	}
}

// Size returns the number of cached host entries.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.hosts)
}

// sweep evicts idle sessions on a timer. Entries with a held lease are
// skipped and revisited next round.
func (p *Pool) sweep() {
	interval := p.idleTTL / 2
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.evictIdle()
		}
	}
}

func (p *Pool) evictIdle() {
	p.mu.Lock()
	candidates := make(map[string]*hostEntry, len(p.hosts))
	for id, entry := range p.hosts {
		candidates[id] = entry
	}
	p.mu.Unlock()

	cutoff := time.Now().Add(-p.idleTTL)
	for id, entry := range candidates {
		if !entry.mu.TryLock() {
			continue
		}

		entry.dialMu.Lock()
		idle := entry.session != nil && entry.lastUsed.Before(cutoff)
		if idle {
			if err := entry.session.Close(); err != nil {
				p.logger.Warn("session close failed", "asset_id", id, "error", err)
			}
			entry.session = nil
			p.logger.Debug("idle session evicted", "asset_id", id)
		}
		entry.dialMu.Unlock()
		entry.mu.Unlock()
	}
}
