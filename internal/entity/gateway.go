package entity

// RspInfo carries the gateway's diagnostic for a request or callback.
type RspInfo struct {
	ErrorID  int
	ErrorMsg string
}

func (r *RspInfo) IsError() bool {
	return r != nil && r.ErrorID != 0
}

// GatewaySPI is the callback surface a market gateway invokes. Callbacks may
// fire from threads owned by the gateway; implementations must not block.
type GatewaySPI interface {
	OnFrontConnected()
	OnFrontDisconnected(reason int)
	OnRspUserLogin(rsp *RspInfo, requestID int, isLast bool)
	OnRspSubMarketData(instrumentID string, rsp *RspInfo, requestID int, isLast bool)
	OnRspUnSubMarketData(instrumentID string, rsp *RspInfo, requestID int, isLast bool)
	OnRtnDepthMarketData(tick *DepthTick)
	OnRspError(rsp *RspInfo, requestID int, isLast bool)
}

// MarketGateway is the narrow request surface of an upstream market data
// gateway (vendor SDK or simulator). Requests are synchronous and fast.
type MarketGateway interface {
	RegisterSPI(spi GatewaySPI)
	RegisterFront(frontAddr string)
	Init() error
	ReqUserLogin(brokerID, userID, password string, requestID int) error
	SubscribeMarketData(instruments []string) error
	UnSubscribeMarketData(instruments []string) error
	Release()
}

// GatewayFactory builds one gateway handle rooted at a flow directory, the
// scratch directory the SDK uses to persist sequence numbers across restarts.
type GatewayFactory func(flowDir string) (MarketGateway, error)
