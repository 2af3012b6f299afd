package ingest

import (
	"context"
	"sync"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/childguard/daemon/internal/domain"
	"github.com/childguard/daemon/internal/store"
)

// SystemScope is the attribution result for events that cannot be tied to
// any profile (root services, the reserved "parent" account, kernel
// threads).
const SystemScope = ""

// attributor resolves PID -> system user -> profile, backed by a cached
// /proc lookup (via gopsutil/v3/process, replacing a hand-rolled /proc
// parser that would otherwise race against short-lived PID reuse) and a
// secondary cache of exec events for PIDs that have already exited by the
// time a later event references them.
type attributor struct {
	mu           sync.RWMutex
	pidUser      map[uint32]string // live /proc-derived cache
	execFallback map[uint32]string // populated from process-exec events
	profiles     *profileResolver
}

// profileResolver looks up a profile by system user, cached from the
// store so every attribution doesn't round-trip to SQLite.
type profileResolver struct {
	mu    sync.RWMutex
	byUser map[string]string // system user -> profile id
	store *store.Store
}

func newProfileResolver(s *store.Store) *profileResolver {
	return &profileResolver{byUser: make(map[string]string), store: s}
}

func (r *profileResolver) Refresh(ctx context.Context) error {
	profiles, err := r.store.ListActiveProfiles(ctx)
	if err != nil {
		return err
	}
	m := make(map[string]string, len(profiles))
	for _, p := range profiles {
		m[p.SystemUser] = p.ID
	}
	r.mu.Lock()
	r.byUser = m
	r.mu.Unlock()
	return nil
}

func (r *profileResolver) ProfileFor(systemUser string) string {
	if systemUser == domain.ReservedSystemUser {
		return SystemScope
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byUser[systemUser]
}

func newAttributor(profiles *profileResolver) *attributor {
	return &attributor{
		pidUser:      make(map[uint32]string),
		execFallback: make(map[uint32]string),
		profiles:     profiles,
	}
}

// SystemUserFor resolves a PID to its owning system user, preferring a
// live /proc lookup and falling back to whatever exec event last claimed
// that PID.
func (a *attributor) SystemUserFor(pid uint32) string {
	a.mu.RLock()
	if u, ok := a.pidUser[pid]; ok {
		a.mu.RUnlock()
		return u
	}
	a.mu.RUnlock()

	if p, err := process.NewProcess(int32(pid)); err == nil {
		if uids, err := p.Uids(); err == nil && len(uids) > 0 {
			if name := usernameForUID(uids[0]); name != "" {
				a.mu.Lock()
				a.pidUser[pid] = name
				a.mu.Unlock()
				return name
			}
		}
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.execFallback[pid]
}

// RecordExec remembers the attribution for a PID observed in a
// process-exec record, so later events for an already-exited PID can
// still be attributed.
func (a *attributor) RecordExec(pid uint32, systemUser string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.execFallback[pid] = systemUser
	a.pidUser[pid] = systemUser
}

// Forget drops a PID's live cache entry once its exit record is
// processed; the exec-fallback entry is retained briefly for
// already-in-flight late events.
func (a *attributor) Forget(pid uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.pidUser, pid)
}
