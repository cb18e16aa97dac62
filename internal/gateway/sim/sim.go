// Package sim is a self-contained market gateway used for development and
// integration testing when no vendor SDK is linked. It logs in immediately
// after Init and emits a random-walk tick per subscribed instrument.
package sim

import (
	"math/rand"
	"sync"
	"time"

	"github.com/quantaxis/market-data-service/internal/entity"
)

const tickInterval = 500 * time.Millisecond

type Gateway struct {
	mu         sync.Mutex
	spi        entity.GatewaySPI
	subscribed map[string]float64
	released   bool
	stop       chan struct{}
	requestID  int
	rng        *rand.Rand
}

// Factory builds simulated gateways. The flow directory is accepted and
// ignored; the simulator keeps no state across restarts.
func Factory(flowDir string) (entity.MarketGateway, error) {
	return &Gateway{
		subscribed: make(map[string]float64),
		stop:       make(chan struct{}),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

func (g *Gateway) RegisterSPI(spi entity.GatewaySPI) {
	g.mu.Lock()
	g.spi = spi
	g.mu.Unlock()
}

func (g *Gateway) RegisterFront(frontAddr string) {}

func (g *Gateway) Init() error {
	g.mu.Lock()
	spi := g.spi
	g.mu.Unlock()

	// Callbacks arrive on gateway-owned threads, same as a vendor SDK. Firing
	// synchronously here would re-enter the caller while it still holds its
	// own locks.
	if spi != nil {
		go spi.OnFrontConnected()
	}

	go g.tickLoop()
	return nil
}

func (g *Gateway) ReqUserLogin(brokerID, userID, password string, requestID int) error {
	g.mu.Lock()
	spi := g.spi
	g.mu.Unlock()

	if spi != nil {
		spi.OnRspUserLogin(&entity.RspInfo{}, requestID, true)
	}
	return nil
}

func (g *Gateway) SubscribeMarketData(instruments []string) error {
	g.mu.Lock()
	spi := g.spi
	g.requestID++
	reqID := g.requestID
	for _, ins := range instruments {
		if _, ok := g.subscribed[ins]; !ok {
			g.subscribed[ins] = 3000 + g.rng.Float64()*1000
		}
	}
	g.mu.Unlock()

	if spi != nil {
		for i, ins := range instruments {
			spi.OnRspSubMarketData(ins, &entity.RspInfo{}, reqID, i == len(instruments)-1)
		}
	}
	return nil
}

func (g *Gateway) UnSubscribeMarketData(instruments []string) error {
	g.mu.Lock()
	spi := g.spi
	g.requestID++
	reqID := g.requestID
	for _, ins := range instruments {
		delete(g.subscribed, ins)
	}
	g.mu.Unlock()

	if spi != nil {
		for i, ins := range instruments {
			spi.OnRspUnSubMarketData(ins, &entity.RspInfo{}, reqID, i == len(instruments)-1)
		}
	}
	return nil
}

func (g *Gateway) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.released {
		return
	}
	g.released = true
	close(g.stop)
}

func (g *Gateway) tickLoop() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
		}

		g.mu.Lock()
		spi := g.spi
		ticks := make([]*entity.DepthTick, 0, len(g.subscribed))
		for ins, price := range g.subscribed {
			price += (g.rng.Float64() - 0.5) * 10
			if price < 1 {
				price = 1
			}
			g.subscribed[ins] = price
			ticks = append(ticks, g.makeTick(ins, price))
		}
		g.mu.Unlock()

		if spi == nil {
			continue
		}
		for _, tick := range ticks {
			spi.OnRtnDepthMarketData(tick)
		}
	}
}

func (g *Gateway) makeTick(instrumentID string, price float64) *entity.DepthTick {
	now := time.Now()
	return &entity.DepthTick{
		InstrumentID: instrumentID,
		TradingDay:   now.Format("20060102"),
		UpdateTime:   now.Format("15:04:05"),
		LastPrice:    price,
		OpenPrice:    price,
		HighestPrice: price + 5,
		LowestPrice:  price - 5,
		Volume:       int64(g.rng.Intn(10000)),
		Turnover:     price * 100,
		OpenInterest: float64(g.rng.Intn(100000)),
		BidPrice1:    price - 1,
		BidVolume1:   int64(g.rng.Intn(100) + 1),
		AskPrice1:    price + 1,
		AskVolume1:   int64(g.rng.Intn(100) + 1),
	}
}
