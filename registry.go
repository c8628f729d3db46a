package ksqlite

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/go-pkgz/lgr"
	"github.com/hashicorp/go-multierror"
)

// Registry tracks live prepared statements and auto-close connections so that
// Shutdown can release whatever a callback left behind, for example by calling
// os.Exit from inside a row callback.
//
// Leak reports are advisory: the registry can't tell an intentional early exit
// from a real leak.
type Registry struct {
	log lgr.L

	mu       sync.Mutex
	seq      uint64
	stmts    map[uint64]*stmt
	conns    map[*Conn]struct{}
	acquired int
	released int
	forced   int
}

// RegistryStats is a snapshot of registry counters.
type RegistryStats struct {
	Acquired  int // statements prepared
	Released  int // statements finalized by their execution
	Forced    int // statements finalized by Shutdown
	Live      int // statements not finalized yet
	LiveConns int // auto-close connections still open
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger for shutdown diagnostics.
func WithRegistryLogger(l lgr.L) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// warnLogger passes warnings and errors to the standard logger and drops the rest.
var warnLogger = lgr.Func(func(format string, args ...interface{}) {
	if strings.HasPrefix(format, "[WARN]") || strings.HasPrefix(format, "[ERROR]") {
		log.Printf(format, args...)
	}
})

// NewRegistry makes an empty registry.
// Without WithRegistryLogger only warnings reach the standard logger.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{log: warnLogger, stmts: map[uint64]*stmt{}, conns: map[*Conn]struct{}{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// exit is replaced in tests
var exit = os.Exit

var (
	defaultRegistryOnce sync.Once
	defaultRegistry     *Registry
)

// DefaultRegistry returns the process-wide registry used by connections made
// without WithRegistry.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() { defaultRegistry = NewRegistry() })
	return defaultRegistry
}

// Live returns the number of statements not finalized yet.
func (r *Registry) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stmts)
}

// Stats returns the current counters.
func (r *Registry) Stats() RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RegistryStats{
		Acquired:  r.acquired,
		Released:  r.released,
		Forced:    r.forced,
		Live:      len(r.stmts),
		LiveConns: len(r.conns),
	}
}

func (r *Registry) acquire(s *stmt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	s.id = r.seq
	r.stmts[s.id] = s
	r.acquired++
}

// release removes s on the regular finalize path.
func (r *Registry) release(s *stmt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stmts[s.id]; !ok {
		return
	}
	delete(r.stmts, s.id)
	r.released++
}

// finalizeOwned force-finalizes the live statements of c, oldest first, and returns their count.
func (r *Registry) finalizeOwned(c *Conn) int {
	r.mu.Lock()
	var owned []*stmt
	for id, s := range r.stmts {
		if s.conn == c {
			owned = append(owned, s)
			delete(r.stmts, id)
		}
	}
	r.forced += len(owned)
	r.mu.Unlock()

	sort.Slice(owned, func(i, j int) bool { return owned[i].id < owned[j].id })
	for _, s := range owned {
		_ = s.finalizeForced()
	}
	return len(owned)
}

func (r *Registry) trackConn(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c] = struct{}{}
}

func (r *Registry) untrackConn(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, c)
}

// Shutdown finalizes every live statement, then closes every auto-close
// connection. A warning is logged if anything had to be finalized here.
// Calling Shutdown again only handles what was registered since.
func (r *Registry) Shutdown() error {
	r.mu.Lock()
	stmts := make([]*stmt, 0, len(r.stmts))
	for _, s := range r.stmts {
		stmts = append(stmts, s)
	}
	r.stmts = map[uint64]*stmt{}
	r.forced += len(stmts)
	conns := make([]*Conn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = map[*Conn]struct{}{}
	acquired, released, forced := r.acquired, r.released, r.forced
	r.mu.Unlock()

	// oldest first, statements before their connections
	sort.Slice(stmts, func(i, j int) bool { return stmts[i].id < stmts[j].id })

	var errs error
	for _, s := range stmts {
		if err := s.finalizeForced(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	for _, c := range conns {
		if err := c.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("close %q: %w", c.Path(), err))
		}
	}

	if len(stmts) > 0 {
		r.log.Logf("[WARN] ksqlite: %d statement(s) finalized at shutdown, allocated more than deallocated "+
			"(acquired %d, released %d, forced %d), memory leaks are possible", len(stmts), acquired, released, forced)
	}
	if len(conns) > 0 {
		r.log.Logf("[DEBUG] ksqlite: closed %d connection(s) at shutdown", len(conns))
	}
	return errs
}

// Exit runs Shutdown and terminates the process with code.
// Use it instead of os.Exit inside callbacks: os.Exit skips deferred finalizers.
func (r *Registry) Exit(code int) {
	if err := r.Shutdown(); err != nil {
		r.log.Logf("[WARN] ksqlite: shutdown, %v", err)
	}
	exit(code)
}
