package cache

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/quantaxis/market-data-service/internal/config"
	"github.com/quantaxis/market-data-service/internal/constant"
	"github.com/quantaxis/market-data-service/internal/entity"
)

const opTimeout = 1 * time.Second

// Client snapshots the last tick per instrument into Redis. Cache failures are
// never fatal: ticks keep flowing to subscribers whether or not the snapshot
// lands.
type Client struct {
	rdb       *redis.Client
	connected atomic.Bool
}

func New(cfg config.CacheConfig) *Client {
	return &Client{
		rdb: redis.NewClient(&redis.Options{
			Addr:         cfg.Addr(),
			DialTimeout:  2 * time.Second,
			ReadTimeout:  opTimeout,
			WriteTimeout: opTimeout,
		}),
	}
}

func (c *Client) Connect(ctx context.Context) error {
	err := c.rdb.Ping(ctx).Err()
	if err != nil {
		return err
	}

	c.connected.Store(true)
	return nil
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

func (c *Client) Set(ctx context.Context, key, value string) error {
	return c.rdb.Set(ctx, key, value, 0).Err()
}

func (c *Client) HSet(ctx context.Context, key, field, value string) error {
	return c.rdb.HSet(ctx, key, field, value).Err()
}

// StoreSnapshot writes both the flat-key JSON snapshot and the structured hash
// for one tick. Errors are logged at warning and swallowed.
func (c *Client) StoreSnapshot(tick *entity.DepthTick, payload []byte) {
	if !c.IsConnected() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	log := logrus.WithField("instrument_id", tick.InstrumentID)

	if err := c.Set(ctx, constant.SnapshotKeyPrefix+tick.InstrumentID, string(payload)); err != nil {
		log.Warnf("failed to store market data snapshot: %v", err)
	}

	hashKey := constant.SnapshotHashKeyPrefix + tick.InstrumentID
	fields := map[string]string{
		"last_price":  strconv.FormatFloat(tick.LastPrice, 'f', -1, 64),
		"volume":      strconv.FormatInt(tick.Volume, 10),
		"update_time": tick.UpdateTime,
		"trading_day": tick.TradingDay,
		"json_data":   string(payload),
	}
	for field, value := range fields {
		if err := c.HSet(ctx, hashKey, field, value); err != nil {
			log.Warnf("failed to store market data hash field %s: %v", field, err)
		}
	}
}

func (c *Client) Close() error {
	c.connected.Store(false)
	return c.rdb.Close()
}
