package config

import (
	"context"
	"sync/atomic"
	"time"
)

// Source exposes the bridge tunables that may change while the host is
// running. Consumers read through this interface instead of holding a
// Config so a file reload takes effect without restarting anything.
type Source interface {
	VerboseLogging() bool
	EventLogging() bool
	RequestTimeout() time.Duration
	MaxPayloadSize() int
	MaxEventSize() int
}

// Store is a hot-reloadable Source. Values are served through atomics;
// Reload swaps them in one pass and Watch re-reads the backing file on
// an interval.
type Store struct {
	path string

	timeoutNS  atomic.Int64
	maxPayload atomic.Int64
	maxEvent   atomic.Int64
	logReqs    atomic.Bool
	logEvents  atomic.Bool
}

// NewStore creates a Store seeded from cfg. path may be empty when no
// file layer is in use; Watch is then a no-op.
func NewStore(path string, cfg *Config) *Store {
	s := &Store{path: path}
	s.apply(cfg)
	return s
}

func (s *Store) apply(cfg *Config) {
	s.timeoutNS.Store(int64(cfg.RequestTimeout()))
	s.maxPayload.Store(int64(cfg.Bridge.MaxPayloadBytes))
	s.maxEvent.Store(int64(cfg.Bridge.MaxEventBytes))
	s.logReqs.Store(cfg.Bridge.LogRequests)
	s.logEvents.Store(cfg.Bridge.LogEvents)
}

// Reload re-reads the file and environment and swaps the live values.
func (s *Store) Reload() error {
	cfg, err := Load(s.path)
	if err != nil {
		return err
	}
	s.apply(cfg)
	return nil
}

// Watch re-reads the backing file every interval until ctx is done.
// Read failures keep the previous values; a config file that goes
// missing mid-run must not take the bridge down with it.
func (s *Store) Watch(ctx context.Context, interval time.Duration) {
	if s.path == "" {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = s.Reload()
			}
		}
	}()
}

func (s *Store) VerboseLogging() bool          { return s.logReqs.Load() }
func (s *Store) EventLogging() bool            { return s.logEvents.Load() }
func (s *Store) RequestTimeout() time.Duration { return time.Duration(s.timeoutNS.Load()) }
func (s *Store) MaxPayloadSize() int           { return int(s.maxPayload.Load()) }
func (s *Store) MaxEventSize() int             { return int(s.maxEvent.Load()) }

// Static is a fixed Source for tests and embedders that do not need
// hot reload.
type Static struct {
	Verbose    bool
	Events     bool
	Timeout    time.Duration
	MaxBytes   int
	MaxEvBytes int
}

func (s Static) VerboseLogging() bool          { return s.Verbose }
func (s Static) EventLogging() bool            { return s.Events }
func (s Static) RequestTimeout() time.Duration { return s.Timeout }
func (s Static) MaxPayloadSize() int           { return s.MaxBytes }
func (s Static) MaxEventSize() int             { return s.MaxEvBytes }
