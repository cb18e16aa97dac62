package upstream

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/quantaxis/market-data-service/internal/config"
	"github.com/quantaxis/market-data-service/internal/entity"
)

var ErrNotLoggedIn = errors.New("upstream connection is not logged in")

// tickStaleAfter is when a silent feed starts dragging the quality score down.
const tickStaleAfter = 30 * time.Second

// TickSink receives every serialized tick from a connection. The callback runs
// on a gateway-owned thread and must only stamp, serialize and enqueue.
type TickSink func(instrumentID string, payload []byte)

// SnapshotStore persists the last tick per instrument. Implementations must
// not block tick delivery; failures are their own to log.
type SnapshotStore interface {
	StoreSnapshot(tick *entity.DepthTick, payload []byte)
}

// TickPublisher mirrors ticks onto an internal bus. Optional.
type TickPublisher interface {
	PublishTick(instrumentID string, payload []byte) error
}

// Connection is one stateful link to a broker front-end. The gateway invokes
// the entity.GatewaySPI callbacks from threads it owns; all shared state is
// guarded by mu or atomics.
type Connection struct {
	cfg     config.ConnectionConfig
	factory entity.GatewayFactory

	mu         sync.Mutex
	gateway    entity.MarketGateway
	status     atomic.Int32
	lastError  string
	subscribed map[string]struct{}
	released   bool

	requestID atomic.Int64

	connectAttempts  atomic.Int64
	connectSuccesses atomic.Int64
	requestCount     atomic.Int64
	errorCount       atomic.Int64
	lastTickMs       atomic.Int64

	onTick     TickSink
	onLoggedIn func(*Connection)
	snapshots  SnapshotStore
	publisher  TickPublisher

	log *logrus.Entry
}

var _ entity.GatewaySPI = (*Connection)(nil)
var _ entity.UpstreamConnection = (*Connection)(nil)

func NewConnection(cfg config.ConnectionConfig, factory entity.GatewayFactory) *Connection {
	c := &Connection{
		cfg:        cfg,
		factory:    factory,
		subscribed: make(map[string]struct{}),
		log:        logrus.WithField("connection_id", cfg.ConnectionID),
	}
	c.status.Store(int32(entity.ConnectionDisconnected))

	return c
}

// Start creates the gateway handle and asks it to dial the front-end. The
// login request is issued from the front-connected callback.
func (c *Connection) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gateway != nil {
		return nil
	}

	if err := os.MkdirAll(c.cfg.FlowDir, 0o755); err != nil {
		c.log.Warnf("failed to create flow directory %s: %v", c.cfg.FlowDir, err)
	}

	gw, err := c.factory(c.cfg.FlowDir)
	if err != nil {
		c.setStatus(entity.ConnectionError)
		return fmt.Errorf("create gateway for %s: %w", c.cfg.ConnectionID, err)
	}

	c.gateway = gw
	c.released = false
	gw.RegisterSPI(c)
	gw.RegisterFront(c.cfg.FrontAddr)
	c.setStatus(entity.ConnectionConnecting)
	c.connectAttempts.Add(1)

	if err := gw.Init(); err != nil {
		c.setStatus(entity.ConnectionError)
		return fmt.Errorf("init gateway for %s: %w", c.cfg.ConnectionID, err)
	}

	c.log.WithField("front_addr", c.cfg.FrontAddr).Info("upstream connection starting")
	return nil
}

// Stop releases the gateway handle. Release is terminal and happens exactly
// once per handle.
func (c *Connection) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gateway != nil && !c.released {
		c.gateway.Release()
		c.released = true
	}
	c.gateway = nil
	c.setStatus(entity.ConnectionDisconnected)
	c.log.Info("upstream connection stopped")
}

// restart tears down the current handle and dials again. Used by the manager's
// supervision loop; the connection itself never decides to retry.
func (c *Connection) restart() error {
	c.Stop()
	return c.Start()
}

func (c *Connection) SetTickSink(sink TickSink)            { c.onTick = sink }
func (c *Connection) SetLoggedInHook(fn func(*Connection)) { c.onLoggedIn = fn }
func (c *Connection) SetSnapshotStore(s SnapshotStore)     { c.snapshots = s }
func (c *Connection) SetTickPublisher(p TickPublisher)     { c.publisher = p }

func (c *Connection) ConnectionID() string { return c.cfg.ConnectionID }

func (c *Connection) Status() entity.ConnectionStatus {
	return entity.ConnectionStatus(c.status.Load())
}

func (c *Connection) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

func (c *Connection) SubscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscribed)
}

// SubscribedInstruments returns the instruments this connection currently
// holds with the gateway, sorted for stable logging.
func (c *Connection) SubscribedInstruments() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.subscribed))
	for ins := range c.subscribed {
		out = append(out, ins)
	}
	sort.Strings(out)
	return out
}

// Quality derives a 0-100 health score from connect successes, tick staleness
// and request error rate.
func (c *Connection) Quality() int {
	attempts := c.connectAttempts.Load()
	successes := c.connectSuccesses.Load()
	if attempts == 0 || successes == 0 {
		return 0
	}

	score := float64(successes) / float64(attempts) * 100

	if lastMs := c.lastTickMs.Load(); lastMs > 0 {
		silent := time.Since(time.UnixMilli(lastMs))
		if silent > tickStaleAfter {
			penalty := float64(silent-tickStaleAfter) / float64(tickStaleAfter) * 10
			if penalty > 40 {
				penalty = 40
			}
			score -= penalty
		}
	}

	if requests := c.requestCount.Load(); requests > 0 {
		errRate := float64(c.errorCount.Load()) / float64(requests)
		score -= errRate * 30
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return int(score)
}

// Subscribe forwards a gateway subscribe request. Only permitted in LoggedIn;
// the per-connection instrument set is updated on the acknowledging callback.
func (c *Connection) Subscribe(instruments []string) error {
	return c.request(instruments, true)
}

func (c *Connection) Unsubscribe(instruments []string) error {
	return c.request(instruments, false)
}

func (c *Connection) request(instruments []string, subscribe bool) error {
	if len(instruments) == 0 {
		return nil
	}

	c.mu.Lock()
	gw := c.gateway
	c.mu.Unlock()

	if gw == nil || c.Status() != entity.ConnectionLoggedIn {
		return ErrNotLoggedIn
	}

	c.requestID.Add(1)
	c.requestCount.Add(1)

	var err error
	if subscribe {
		err = gw.SubscribeMarketData(instruments)
	} else {
		err = gw.UnSubscribeMarketData(instruments)
	}
	if err != nil {
		c.errorCount.Add(1)
		return fmt.Errorf("gateway request for %s: %w", c.cfg.ConnectionID, err)
	}

	return nil
}

func (c *Connection) setStatus(s entity.ConnectionStatus) {
	c.status.Store(int32(s))
}

// OnFrontConnected issues the market-data login. Broker id only; user and
// password stay empty for a market-data session.
func (c *Connection) OnFrontConnected() {
	c.log.Info("gateway front connected")
	c.setStatus(entity.ConnectionConnected)

	c.mu.Lock()
	gw := c.gateway
	c.mu.Unlock()
	if gw == nil {
		return
	}

	c.requestCount.Add(1)
	if err := gw.ReqUserLogin(c.cfg.BrokerID, "", "", int(c.requestID.Add(1))); err != nil {
		c.errorCount.Add(1)
		c.log.Errorf("failed to send market data login request: %v", err)
	}
}

func (c *Connection) OnFrontDisconnected(reason int) {
	c.log.Warnf("gateway front disconnected, reason: %d", reason)
	c.setStatus(entity.ConnectionConnecting)
}

// OnRspUserLogin moves the connection to LoggedIn only on a successful login
// response, never on request send. On recovery every previously held
// instrument is re-subscribed before the state change is announced.
func (c *Connection) OnRspUserLogin(rsp *entity.RspInfo, requestID int, isLast bool) {
	if rsp.IsError() {
		c.mu.Lock()
		c.lastError = rsp.ErrorMsg
		c.mu.Unlock()
		c.errorCount.Add(1)
		c.setStatus(entity.ConnectionError)
		c.log.Errorf("gateway login failed: %s", rsp.ErrorMsg)
		return
	}

	c.mu.Lock()
	gw := c.gateway
	prior := make([]string, 0, len(c.subscribed))
	for ins := range c.subscribed {
		prior = append(prior, ins)
	}
	c.mu.Unlock()

	if len(prior) > 0 && gw != nil {
		sort.Strings(prior)
		c.log.WithField("count", len(prior)).Info("re-subscribing instruments after recovery")
		c.requestID.Add(1)
		c.requestCount.Add(1)
		if err := gw.SubscribeMarketData(prior); err != nil {
			c.errorCount.Add(1)
			c.log.Errorf("failed to re-subscribe after recovery: %v", err)
		}
	}

	c.connectSuccesses.Add(1)
	c.setStatus(entity.ConnectionLoggedIn)
	c.log.Info("gateway login successful")

	if c.onLoggedIn != nil {
		c.onLoggedIn(c)
	}
}

func (c *Connection) OnRspSubMarketData(instrumentID string, rsp *entity.RspInfo, requestID int, isLast bool) {
	if rsp.IsError() {
		c.errorCount.Add(1)
		c.log.Errorf("subscribe market data failed for %s: %s", instrumentID, rsp.ErrorMsg)
		return
	}

	c.mu.Lock()
	c.subscribed[instrumentID] = struct{}{}
	c.mu.Unlock()
	c.log.WithField("instrument_id", instrumentID).Debug("subscribed to market data")
}

func (c *Connection) OnRspUnSubMarketData(instrumentID string, rsp *entity.RspInfo, requestID int, isLast bool) {
	if rsp.IsError() {
		c.errorCount.Add(1)
		c.log.Errorf("unsubscribe market data failed for %s: %s", instrumentID, rsp.ErrorMsg)
		return
	}

	c.mu.Lock()
	delete(c.subscribed, instrumentID)
	c.mu.Unlock()
	c.log.WithField("instrument_id", instrumentID).Debug("unsubscribed from market data")
}

// OnRtnDepthMarketData stamps, serializes and hands off. Runs on a
// gateway-owned thread, so nothing heavier happens here.
func (c *Connection) OnRtnDepthMarketData(tick *entity.DepthTick) {
	if tick == nil {
		return
	}

	now := time.Now().UnixMilli()
	c.lastTickMs.Store(now)

	payload, err := json.Marshal(entity.NewMarketDataPayload(tick, now))
	if err != nil {
		c.log.Errorf("failed to serialize tick for %s: %v", tick.InstrumentID, err)
		return
	}

	if c.onTick != nil {
		c.onTick(tick.InstrumentID, payload)
	}

	if c.snapshots != nil {
		c.snapshots.StoreSnapshot(tick, payload)
	}

	if c.publisher != nil {
		if err := c.publisher.PublishTick(tick.InstrumentID, payload); err != nil {
			c.log.Warnf("failed to publish tick for %s: %v", tick.InstrumentID, err)
		}
	}
}

func (c *Connection) OnRspError(rsp *entity.RspInfo, requestID int, isLast bool) {
	if rsp.IsError() {
		c.errorCount.Add(1)
		c.log.Errorf("gateway error: %s", rsp.ErrorMsg)
	}
}
