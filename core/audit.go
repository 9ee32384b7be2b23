package core

import (
	"net"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/teleroute/drouter/state"
	"github.com/teleroute/drouter/store"
)

const rdnsCacheTtl = 10 * time.Minute

// Auditor writes operator actions to the event journal. Inserts and the
// reverse-DNS resolution of the actor address run off the main loop so a slow
// database or resolver never stalls routing.
type Auditor struct {
	e    *state.Env
	st   store.Store
	rdns *ttlcache.Cache[string, string]
}

func NewAuditor(e *state.Env, st store.Store) *Auditor {
	cache := ttlcache.New[string, string](
		ttlcache.WithTTL[string, string](rdnsCacheTtl),
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	go cache.Start()
	go func() {
		<-e.Context.Done()
		cache.Stop()
	}()
	return &Auditor{e: e, st: st, rdns: cache}
}

// Record journals one event. The actor is an address string for protocol
// clients or a plain name for internal actors like the schedule engine.
func (a *Auditor) Record(ev store.Event) {
	ev.At = time.Now()
	go func() {
		id, err := a.st.InsertEvent(ev)
		if err != nil {
			a.e.Log.Warn("failed to journal event", "type", ev.Type, "error", err)
			return
		}
		if host := a.resolve(ev.Actor); host != "" {
			if err := a.st.UpdateEvent(id, map[string]any{"HOSTNAME": host}); err != nil {
				a.e.Log.Warn("failed to update event hostname", "id", id, "error", err)
			}
		}
	}()
}

// resolve maps an actor address to a hostname, caching lookups.
func (a *Auditor) resolve(actor string) string {
	ip := actor
	if host, _, err := net.SplitHostPort(actor); err == nil {
		ip = host
	}
	if net.ParseIP(ip) == nil {
		return ""
	}
	if item := a.rdns.Get(ip); item != nil {
		return item.Value()
	}
	host := ""
	if names, err := net.LookupAddr(ip); err == nil && len(names) > 0 {
		host = strings.TrimSuffix(names[0], ".")
	}
	a.rdns.Set(ip, host, ttlcache.DefaultTTL)
	return host
}
