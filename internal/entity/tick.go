package entity

// DepthTick is one depth update as delivered by the upstream gateway callback.
// Prices and sizes are float64 end-to-end; the gateway ABI delivers doubles.
type DepthTick struct {
	InstrumentID       string
	TradingDay         string
	UpdateTime         string
	LastPrice          float64
	PreSettlementPrice float64
	PreClosePrice      float64
	OpenPrice          float64
	HighestPrice       float64
	LowestPrice        float64
	Volume             int64
	Turnover           float64
	OpenInterest       float64
	UpperLimitPrice    float64
	LowerLimitPrice    float64
	BidPrice1          float64
	BidVolume1         int64
	AskPrice1          float64
	AskVolume1         int64
}

// MarketDataPayload is the wire schema for a tick pushed to websocket clients
// and snapshotted into the cache.
type MarketDataPayload struct {
	Type               string  `json:"type"`
	InstrumentID       string  `json:"instrument_id"`
	TradingDay         string  `json:"trading_day"`
	UpdateTime         string  `json:"update_time"`
	LastPrice          float64 `json:"last_price"`
	PreSettlementPrice float64 `json:"pre_settlement_price"`
	PreClosePrice      float64 `json:"pre_close_price"`
	OpenPrice          float64 `json:"open_price"`
	HighestPrice       float64 `json:"highest_price"`
	LowestPrice        float64 `json:"lowest_price"`
	Volume             int64   `json:"volume"`
	Turnover           float64 `json:"turnover"`
	OpenInterest       float64 `json:"open_interest"`
	UpperLimitPrice    float64 `json:"upper_limit_price"`
	LowerLimitPrice    float64 `json:"lower_limit_price"`
	BidPrice1          float64 `json:"bid_price1"`
	BidVolume1         int64   `json:"bid_volume1"`
	AskPrice1          float64 `json:"ask_price1"`
	AskVolume1         int64   `json:"ask_volume1"`
	Timestamp          int64   `json:"timestamp"`
}

// NewMarketDataPayload stamps a receive timestamp (ms since epoch) onto a tick.
func NewMarketDataPayload(tick *DepthTick, timestampMs int64) MarketDataPayload {
	return MarketDataPayload{
		Type:               "market_data",
		InstrumentID:       tick.InstrumentID,
		TradingDay:         tick.TradingDay,
		UpdateTime:         tick.UpdateTime,
		LastPrice:          tick.LastPrice,
		PreSettlementPrice: tick.PreSettlementPrice,
		PreClosePrice:      tick.PreClosePrice,
		OpenPrice:          tick.OpenPrice,
		HighestPrice:       tick.HighestPrice,
		LowestPrice:        tick.LowestPrice,
		Volume:             tick.Volume,
		Turnover:           tick.Turnover,
		OpenInterest:       tick.OpenInterest,
		UpperLimitPrice:    tick.UpperLimitPrice,
		LowerLimitPrice:    tick.LowerLimitPrice,
		BidPrice1:          tick.BidPrice1,
		BidVolume1:         tick.BidVolume1,
		AskPrice1:          tick.AskPrice1,
		AskVolume1:         tick.AskVolume1,
		Timestamp:          timestampMs,
	}
}
