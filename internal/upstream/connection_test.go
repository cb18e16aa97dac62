package upstream

import (
	"errors"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantaxis/market-data-service/internal/config"
	"github.com/quantaxis/market-data-service/internal/entity"
)

// fakeGateway records every request and fires no callbacks on its own; tests
// drive the SPI callbacks directly, the way a vendor SDK thread would.
type fakeGateway struct {
	mu           sync.Mutex
	frontAddr    string
	logins       []loginRequest
	subscribes   [][]string
	unsubscribes [][]string
	releases     int

	subscribeErr error
	onSubscribe  func()
}

type loginRequest struct {
	brokerID string
	userID   string
	password string
}

func (g *fakeGateway) RegisterSPI(spi entity.GatewaySPI) {}

func (g *fakeGateway) RegisterFront(frontAddr string) {
	g.mu.Lock()
	g.frontAddr = frontAddr
	g.mu.Unlock()
}

func (g *fakeGateway) Init() error { return nil }

func (g *fakeGateway) ReqUserLogin(brokerID, userID, password string, requestID int) error {
	g.mu.Lock()
	g.logins = append(g.logins, loginRequest{brokerID, userID, password})
	g.mu.Unlock()
	return nil
}

func (g *fakeGateway) SubscribeMarketData(instruments []string) error {
	g.mu.Lock()
	hook := g.onSubscribe
	err := g.subscribeErr
	if err == nil {
		g.subscribes = append(g.subscribes, append([]string(nil), instruments...))
	}
	g.mu.Unlock()

	if hook != nil {
		hook()
	}
	return err
}

func (g *fakeGateway) UnSubscribeMarketData(instruments []string) error {
	g.mu.Lock()
	g.unsubscribes = append(g.unsubscribes, append([]string(nil), instruments...))
	g.mu.Unlock()
	return nil
}

func (g *fakeGateway) Release() {
	g.mu.Lock()
	g.releases++
	g.mu.Unlock()
}

func (g *fakeGateway) loginCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.logins)
}

func (g *fakeGateway) lastSubscribe() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.subscribes) == 0 {
		return nil
	}
	return g.subscribes[len(g.subscribes)-1]
}

func (g *fakeGateway) releaseCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.releases
}

func testConnConfig(t *testing.T, id string) config.ConnectionConfig {
	t.Helper()
	return config.ConnectionConfig{
		ConnectionID: id,
		FrontAddr:    "tcp://127.0.0.1:41213",
		BrokerID:     "9999",
		Enabled:      true,
		FlowDir:      t.TempDir(),
	}
}

func startedConn(t *testing.T, id string) (*Connection, *fakeGateway) {
	t.Helper()
	gw := &fakeGateway{}
	conn := NewConnection(testConnConfig(t, id), func(string) (entity.MarketGateway, error) {
		return gw, nil
	})
	require.NoError(t, conn.Start())
	return conn, gw
}

func loginConn(t *testing.T, conn *Connection) {
	t.Helper()
	conn.OnFrontConnected()
	conn.OnRspUserLogin(&entity.RspInfo{}, 1, true)
	require.Equal(t, entity.ConnectionLoggedIn, conn.Status())
}

func TestLoginIssuedOnFrontConnectedOnly(t *testing.T) {
	conn, gw := startedConn(t, "ctp01")
	assert.Equal(t, entity.ConnectionConnecting, conn.Status())
	assert.Equal(t, 0, gw.loginCount(), "no login before the front connects")

	conn.OnFrontConnected()
	assert.Equal(t, entity.ConnectionConnected, conn.Status(), "login request must not imply logged in")
	require.Equal(t, 1, gw.loginCount())
	assert.Equal(t, loginRequest{brokerID: "9999"}, gw.logins[0], "market data login carries broker id only")

	conn.OnRspUserLogin(&entity.RspInfo{}, 1, true)
	assert.Equal(t, entity.ConnectionLoggedIn, conn.Status())
}

func TestLoginFailureSetsErrorState(t *testing.T) {
	conn, _ := startedConn(t, "ctp01")
	conn.OnFrontConnected()
	conn.OnRspUserLogin(&entity.RspInfo{ErrorID: 3, ErrorMsg: "invalid broker"}, 1, true)

	assert.Equal(t, entity.ConnectionError, conn.Status())
	assert.Equal(t, "invalid broker", conn.LastError())
}

func TestSubscribeRejectedBeforeLogin(t *testing.T) {
	conn, gw := startedConn(t, "ctp01")
	conn.OnFrontConnected()

	err := conn.Subscribe([]string{"rb2410"})
	assert.ErrorIs(t, err, ErrNotLoggedIn)
	assert.Nil(t, gw.lastSubscribe())
}

func TestSubscribeAckTracksInstrumentSet(t *testing.T) {
	conn, gw := startedConn(t, "ctp01")
	loginConn(t, conn)

	require.NoError(t, conn.Subscribe([]string{"rb2410", "cu2412"}))
	assert.Equal(t, []string{"rb2410", "cu2412"}, gw.lastSubscribe())
	assert.Equal(t, 0, conn.SubscriptionCount(), "set updates on the ack, not the request")

	conn.OnRspSubMarketData("rb2410", &entity.RspInfo{}, 2, false)
	conn.OnRspSubMarketData("cu2412", &entity.RspInfo{}, 2, true)
	assert.Equal(t, []string{"cu2412", "rb2410"}, conn.SubscribedInstruments())

	require.NoError(t, conn.Unsubscribe([]string{"rb2410"}))
	conn.OnRspUnSubMarketData("rb2410", &entity.RspInfo{}, 3, true)
	assert.Equal(t, []string{"cu2412"}, conn.SubscribedInstruments())
}

func TestRecoveryResubscribesBeforeAnnouncingLogin(t *testing.T) {
	conn, gw := startedConn(t, "ctp01")
	loginConn(t, conn)

	require.NoError(t, conn.Subscribe([]string{"rb2410", "cu2412"}))
	conn.OnRspSubMarketData("rb2410", &entity.RspInfo{}, 2, false)
	conn.OnRspSubMarketData("cu2412", &entity.RspInfo{}, 2, true)

	conn.OnFrontDisconnected(0x1001)
	assert.Equal(t, entity.ConnectionConnecting, conn.Status())

	var statusAtResubscribe entity.ConnectionStatus
	gw.onSubscribe = func() {
		statusAtResubscribe = conn.Status()
	}

	conn.OnFrontConnected()
	conn.OnRspUserLogin(&entity.RspInfo{}, 2, true)

	assert.Equal(t, []string{"cu2412", "rb2410"}, gw.lastSubscribe(), "prior set re-subscribed on recovery")
	assert.NotEqual(t, entity.ConnectionLoggedIn, statusAtResubscribe,
		"re-subscribe must run before the connection reports logged in")
	assert.Equal(t, entity.ConnectionLoggedIn, conn.Status())
}

func TestStopReleasesGatewayExactlyOnce(t *testing.T) {
	conn, gw := startedConn(t, "ctp01")
	loginConn(t, conn)

	conn.Stop()
	conn.Stop()
	assert.Equal(t, 1, gw.releaseCount())
	assert.Equal(t, entity.ConnectionDisconnected, conn.Status())
}

func TestRestartBuildsFreshGateway(t *testing.T) {
	var built int
	conn := NewConnection(testConnConfig(t, "ctp01"), func(string) (entity.MarketGateway, error) {
		built++
		return &fakeGateway{}, nil
	})
	require.NoError(t, conn.Start())
	require.NoError(t, conn.restart())
	assert.Equal(t, 2, built)
	assert.Equal(t, entity.ConnectionConnecting, conn.Status())
}

func TestQualityScore(t *testing.T) {
	conn, gw := startedConn(t, "ctp01")
	assert.Equal(t, 0, conn.Quality(), "no successful login yet")

	loginConn(t, conn)
	assert.Equal(t, 100, conn.Quality())

	gw.subscribeErr = errors.New("front rejected request")
	err := conn.Subscribe([]string{"rb2410"})
	require.Error(t, err)

	q := conn.Quality()
	assert.Less(t, q, 100, "request errors must drag the score down")
	assert.GreaterOrEqual(t, q, 0)
}

func TestTickHandoff(t *testing.T) {
	conn, _ := startedConn(t, "ctp01")
	loginConn(t, conn)

	var (
		gotInstrument string
		gotPayload    []byte
	)
	conn.SetTickSink(func(instrumentID string, payload []byte) {
		gotInstrument = instrumentID
		gotPayload = payload
	})

	store := &recordingStore{}
	conn.SetSnapshotStore(store)

	conn.OnRtnDepthMarketData(&entity.DepthTick{
		InstrumentID: "rb2410",
		TradingDay:   "20260824",
		UpdateTime:   "21:30:01",
		LastPrice:    3412.0,
		BidPrice1:    3411.0,
		AskPrice1:    3413.0,
		Volume:       120,
	})

	require.Equal(t, "rb2410", gotInstrument)

	var frame map[string]any
	require.NoError(t, json.Unmarshal(gotPayload, &frame))
	assert.Equal(t, "market_data", frame["type"])
	assert.Equal(t, "rb2410", frame["instrument_id"])
	assert.Equal(t, 3412.0, frame["last_price"])
	assert.Greater(t, frame["timestamp"].(float64), 0.0)

	require.Len(t, store.ticks, 1)
	assert.Equal(t, "rb2410", store.ticks[0].InstrumentID)
	assert.Equal(t, gotPayload, store.payloads[0])
}

func TestNilTickIgnored(t *testing.T) {
	conn, _ := startedConn(t, "ctp01")
	conn.SetTickSink(func(string, []byte) {
		t.Fatal("nil tick must not reach the sink")
	})
	conn.OnRtnDepthMarketData(nil)
}

type recordingStore struct {
	ticks    []*entity.DepthTick
	payloads [][]byte
}

func (r *recordingStore) StoreSnapshot(tick *entity.DepthTick, payload []byte) {
	r.ticks = append(r.ticks, tick)
	r.payloads = append(r.payloads, payload)
}
