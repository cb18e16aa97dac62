package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/quantaxis/market-data-service/internal/cache"
	"github.com/quantaxis/market-data-service/internal/catalog"
	"github.com/quantaxis/market-data-service/internal/config"
	"github.com/quantaxis/market-data-service/internal/dispatcher"
	"github.com/quantaxis/market-data-service/internal/entity"
	"github.com/quantaxis/market-data-service/internal/gateway/sim"
	"github.com/quantaxis/market-data-service/internal/infrastructure"
	"github.com/quantaxis/market-data-service/internal/server"
	"github.com/quantaxis/market-data-service/internal/stream"
	"github.com/quantaxis/market-data-service/internal/upstream"
	"github.com/quantaxis/market-data-service/internal/util"
)

// CTPGatewayFactory is installed by a build that links the vendor market-data
// SDK. When unset, gateway_mode "ctp" is a startup failure.
var CTPGatewayFactory entity.GatewayFactory

func StartServer(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.Env

	strategy, err := entity.ParseLoadBalanceStrategy(cfg.LoadBalanceStrategy)
	if err != nil {
		logrus.Warnf("%v, falling back to %s", err, strategy)
	}

	factory, err := resolveGatewayFactory(cfg.GatewayMode)
	util.ContinueOrFatal(err)

	instrumentCatalog, err := catalog.Attach(cfg.Catalog.Segment)
	if err != nil {
		logrus.Warnf("instrument catalog unavailable: %v", err)
		instrumentCatalog = nil
	}

	cacheClient := cache.New(cfg.Cache)
	if err := cacheClient.Connect(ctx); err != nil {
		logrus.Errorf("failed to connect to cache at %s: %v", cfg.Cache.Addr(), err)
		logrus.Warn("market data will not be snapshotted")
	} else {
		logrus.Infof("connected to cache at %s", cfg.Cache.Addr())
	}

	var nc *nats.Conn
	var tickPublisher *stream.Publisher
	if cfg.NatsJetstream.URL != "" {
		var js nats.JetStreamContext
		nc, js, err = infrastructure.NewJetstream()
		util.ContinueOrFatal(err)

		tickPublisher = stream.NewPublisher(js)
		util.ContinueOrFatal(tickPublisher.InitStream(ctx))
	}

	manager := upstream.NewManager()
	disp := dispatcher.New(manager, strategy)
	manager.SetLoggedInHook(disp.OnConnectionLoggedIn)

	var srv *server.Server
	if instrumentCatalog != nil {
		srv = server.New(cfg.WebsocketPort, disp, manager, instrumentCatalog)
	} else {
		srv = server.New(cfg.WebsocketPort, disp, manager, nil)
	}
	disp.BindRegistry(srv)

	for _, connCfg := range cfg.Connections {
		if !connCfg.Enabled {
			logrus.Infof("skipped disabled connection: %s", connCfg.ConnectionID)
			continue
		}

		conn, err := manager.AddConnection(connCfg, factory)
		util.ContinueOrFatal(err)

		conn.SetTickSink(srv.BroadcastTick)
		conn.SetSnapshotStore(cacheClient)
		if tickPublisher != nil {
			conn.SetTickPublisher(tickPublisher)
		}

		logrus.Infof("added upstream connection: %s -> %s", connCfg.ConnectionID, connCfg.FrontAddr)
	}

	if manager.TotalCount() == 0 {
		logrus.Warn("no upstream connections configured, subscriptions will stay pending")
	} else {
		go func() {
			if !manager.StartAll(ctx) {
				logrus.Warn("no upstream connection reached logged-in state")
			}
		}()
	}

	go func() {
		util.ContinueOrFatal(srv.Start())
	}()

	logrus.WithFields(logrus.Fields{
		"websocket_port": cfg.WebsocketPort,
		"connections":    manager.TotalCount(),
		"strategy":       strategy.String(),
	}).Info("market data server started")

	wait := gracefulShutdown(ctx, cfg.GracefulShutdownTimeout, map[string]operation{
		// One ordered operation: stop accepting, close sessions, then release
		// the gateway handles, then drop the catalog mapping.
		"server": func(ctx context.Context) error {
			cancel()
			err := srv.Stop(ctx)
			manager.StopAll()
			if instrumentCatalog != nil {
				if closeErr := instrumentCatalog.Close(); closeErr != nil && err == nil {
					err = closeErr
				}
			}
			return err
		},
		"cache": func(ctx context.Context) error {
			return cacheClient.Close()
		},
		"nats connection": func(ctx context.Context) error {
			return infrastructure.CloseJetstream(nc)
		},
	})

	<-wait
}

func resolveGatewayFactory(mode string) (entity.GatewayFactory, error) {
	switch mode {
	case "", "sim":
		logrus.Warn("using simulated market gateway")
		return sim.Factory, nil
	case "ctp":
		if CTPGatewayFactory == nil {
			return nil, errors.New("gateway_mode is ctp but no vendor gateway is linked into this build")
		}
		return CTPGatewayFactory, nil
	default:
		return nil, fmt.Errorf("unknown gateway_mode: %q", mode)
	}
}
