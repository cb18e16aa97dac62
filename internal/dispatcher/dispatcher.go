// Package dispatcher maintains the many-to-many index between downstream
// sessions and instruments and decides which upstream connection carries each
// instrument.
package dispatcher

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/quantaxis/market-data-service/internal/entity"
)

// Subscriber is a downstream session's tick inlet.
type Subscriber interface {
	Enqueue(payload []byte)
}

// Registry resolves live sessions by id. Sessions that have disappeared since
// a fan-out snapshot are silently skipped.
type Registry interface {
	Lookup(sessionID string) (Subscriber, bool)
}

// Dispatcher owns the subscription index. One lock serializes every index
// mutation; it is never held across gateway requests or session writes.
type Dispatcher struct {
	mu           sync.Mutex
	byInstrument map[string]map[string]struct{}
	bySession    map[string]map[string]struct{}
	owner        map[string]string
	pending      map[string]struct{}
	strategy     entity.LoadBalanceStrategy

	pool     entity.ConnectionPool
	registry Registry

	log *logrus.Entry
}

func New(pool entity.ConnectionPool, strategy entity.LoadBalanceStrategy) *Dispatcher {
	return &Dispatcher{
		byInstrument: make(map[string]map[string]struct{}),
		bySession:    make(map[string]map[string]struct{}),
		owner:        make(map[string]string),
		pending:      make(map[string]struct{}),
		strategy:     strategy,
		pool:         pool,
		log:          logrus.WithField("component", "dispatcher"),
	}
}

// BindRegistry wires the session table. Done once at startup, before traffic.
func (d *Dispatcher) BindRegistry(registry Registry) {
	d.registry = registry
}

// SetLoadBalanceStrategy affects only future assignments.
func (d *Dispatcher) SetLoadBalanceStrategy(strategy entity.LoadBalanceStrategy) {
	d.mu.Lock()
	d.strategy = strategy
	d.mu.Unlock()
}

// AddSubscription records (session, instrument). If the instrument just went
// live it is assigned an owning connection, or parked as pending when no
// connection is LoggedIn. The upstream subscribe happens after the lock is
// released.
func (d *Dispatcher) AddSubscription(sessionID, instrumentID string) {
	d.mu.Lock()
	if d.bySession[sessionID] == nil {
		d.bySession[sessionID] = make(map[string]struct{})
	}
	d.bySession[sessionID][instrumentID] = struct{}{}

	newlyLive := false
	if d.byInstrument[instrumentID] == nil {
		d.byInstrument[instrumentID] = make(map[string]struct{})
	}
	if len(d.byInstrument[instrumentID]) == 0 {
		newlyLive = true
	}
	d.byInstrument[instrumentID][sessionID] = struct{}{}
	strategy := d.strategy
	d.mu.Unlock()

	if !newlyLive {
		return
	}

	conn, ok := d.pool.PickConnection(instrumentID, strategy)
	if !ok {
		d.mu.Lock()
		// Still live? The subscriber may already be gone again.
		if len(d.byInstrument[instrumentID]) > 0 {
			d.pending[instrumentID] = struct{}{}
			d.log.WithField("instrument_id", instrumentID).Warn("no logged-in connection, subscription pending")
		}
		d.mu.Unlock()
		return
	}

	d.mu.Lock()
	if len(d.byInstrument[instrumentID]) == 0 {
		// Last subscriber left while we were picking.
		d.mu.Unlock()
		return
	}
	d.owner[instrumentID] = conn.ConnectionID()
	delete(d.pending, instrumentID)
	d.mu.Unlock()

	if err := conn.Subscribe([]string{instrumentID}); err != nil {
		d.log.Errorf("upstream subscribe failed for %s on %s: %v", instrumentID, conn.ConnectionID(), err)
	}
}

// RemoveSubscription removes (session, instrument); when the last subscriber
// leaves, the owning connection unsubscribes and the ownership is cleared.
func (d *Dispatcher) RemoveSubscription(sessionID, instrumentID string) {
	d.mu.Lock()
	ownerID := d.detach(sessionID, instrumentID)
	d.mu.Unlock()

	if ownerID == "" {
		return
	}
	d.unsubscribeOwned(map[string][]string{ownerID: {instrumentID}})
}

// RemoveAllSubscriptionsForSession tears down every subscription the session
// holds. O(k) in the session's subscription count; upstream unsubscribes are
// batched per owning connection.
func (d *Dispatcher) RemoveAllSubscriptionsForSession(sessionID string) {
	d.mu.Lock()
	instruments := make([]string, 0, len(d.bySession[sessionID]))
	for ins := range d.bySession[sessionID] {
		instruments = append(instruments, ins)
	}

	orphaned := make(map[string][]string)
	for _, ins := range instruments {
		if ownerID := d.detach(sessionID, ins); ownerID != "" {
			orphaned[ownerID] = append(orphaned[ownerID], ins)
		}
	}
	d.mu.Unlock()

	d.unsubscribeOwned(orphaned)
}

// detach removes one (session, instrument) pair under the lock and returns the
// owning connection id when the instrument just lost its last subscriber.
func (d *Dispatcher) detach(sessionID, instrumentID string) string {
	if subs, ok := d.bySession[sessionID]; ok {
		delete(subs, instrumentID)
		if len(subs) == 0 {
			delete(d.bySession, sessionID)
		}
	}

	sessions, ok := d.byInstrument[instrumentID]
	if !ok {
		return ""
	}
	delete(sessions, sessionID)
	if len(sessions) > 0 {
		return ""
	}

	delete(d.byInstrument, instrumentID)
	delete(d.pending, instrumentID)

	ownerID := d.owner[instrumentID]
	delete(d.owner, instrumentID)
	return ownerID
}

func (d *Dispatcher) unsubscribeOwned(byOwner map[string][]string) {
	for ownerID, instruments := range byOwner {
		conn, ok := d.pool.ConnectionByID(ownerID)
		if !ok {
			d.log.Warnf("owning connection %s vanished before unsubscribe of %v", ownerID, instruments)
			continue
		}

		sort.Strings(instruments)
		if err := conn.Unsubscribe(instruments); err != nil {
			d.log.Errorf("upstream unsubscribe failed on %s: %v", ownerID, err)
		}
	}
}

// OnTick fans one serialized tick out to every subscriber of the instrument.
// The subscriber list is copied under the lock and released before any session
// lookup or enqueue.
func (d *Dispatcher) OnTick(instrumentID string, payload []byte) {
	d.mu.Lock()
	sessions := d.byInstrument[instrumentID]
	recipients := make([]string, 0, len(sessions))
	for id := range sessions {
		recipients = append(recipients, id)
	}
	d.mu.Unlock()

	if d.registry == nil {
		return
	}

	for _, id := range recipients {
		sub, ok := d.registry.Lookup(id)
		if !ok {
			continue
		}
		sub.Enqueue(payload)
	}
}

// OnConnectionLoggedIn assigns pending instruments to a connection that just
// reached LoggedIn. Instruments the connection already owned re-subscribe in
// the connection's own recovery path.
func (d *Dispatcher) OnConnectionLoggedIn(conn entity.UpstreamConnection) {
	d.mu.Lock()
	assigned := make([]string, 0, len(d.pending))
	for ins := range d.pending {
		d.owner[ins] = conn.ConnectionID()
		assigned = append(assigned, ins)
	}
	d.pending = make(map[string]struct{})
	d.mu.Unlock()

	if len(assigned) == 0 {
		return
	}

	sort.Strings(assigned)
	d.log.WithFields(logrus.Fields{
		"connection_id": conn.ConnectionID(),
		"count":         len(assigned),
	}).Info("assigning pending instruments")

	if err := conn.Subscribe(assigned); err != nil {
		d.log.Errorf("failed to subscribe pending instruments on %s: %v", conn.ConnectionID(), err)
	}
}

// SubscriberCount reports the live subscriber count for one instrument.
func (d *Dispatcher) SubscriberCount(instrumentID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.byInstrument[instrumentID])
}

// Owner reports which connection carries the instrument, if any.
func (d *Dispatcher) Owner(instrumentID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.owner[instrumentID]
	return id, ok
}

// Pending reports whether the instrument awaits a logged-in connection.
func (d *Dispatcher) Pending(instrumentID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[instrumentID]
	return ok
}

// SessionInstruments returns the instruments a session subscribes to.
func (d *Dispatcher) SessionInstruments(sessionID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]string, 0, len(d.bySession[sessionID]))
	for ins := range d.bySession[sessionID] {
		out = append(out, ins)
	}
	sort.Strings(out)
	return out
}
