package entity

import (
	"fmt"
	"strings"
)

type ConnectionStatus int32

const (
	ConnectionDisconnected ConnectionStatus = iota
	ConnectionConnecting
	ConnectionConnected
	ConnectionLoggedIn
	ConnectionError
)

func (s ConnectionStatus) String() string {
	switch s {
	case ConnectionDisconnected:
		return "DISCONNECTED"
	case ConnectionConnecting:
		return "CONNECTING"
	case ConnectionConnected:
		return "CONNECTED"
	case ConnectionLoggedIn:
		return "LOGGED_IN"
	case ConnectionError:
		return "ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(s))
	}
}

type LoadBalanceStrategy int

const (
	StrategyRoundRobin LoadBalanceStrategy = iota
	StrategyLeastLoaded
	StrategyBestQuality
	StrategyHash
)

func (s LoadBalanceStrategy) String() string {
	switch s {
	case StrategyRoundRobin:
		return "round_robin"
	case StrategyLeastLoaded:
		return "least_loaded"
	case StrategyBestQuality:
		return "best_quality"
	case StrategyHash:
		return "hash"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

func ParseLoadBalanceStrategy(raw string) (LoadBalanceStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "round_robin", "roundrobin":
		return StrategyRoundRobin, nil
	case "least_loaded", "leastloaded":
		return StrategyLeastLoaded, nil
	case "best_quality", "bestquality":
		return StrategyBestQuality, nil
	case "hash":
		return StrategyHash, nil
	default:
		return StrategyRoundRobin, fmt.Errorf("unknown load balance strategy: %q", raw)
	}
}

// UpstreamConnection is one stateful link to a broker front-end as seen by the
// subscription dispatcher.
type UpstreamConnection interface {
	ConnectionID() string
	Status() ConnectionStatus
	Quality() int
	SubscriptionCount() int
	Subscribe(instruments []string) error
	Unsubscribe(instruments []string) error
}

// ConnectionPool answers "which connection should carry instrument X".
type ConnectionPool interface {
	PickConnection(instrumentID string, strategy LoadBalanceStrategy) (UpstreamConnection, bool)
	ConnectionByID(id string) (UpstreamConnection, bool)
	ActiveCount() int
}

// InstrumentCatalog enumerates the known instrument universe. Lookups are pure;
// the catalog is read-only at runtime.
type InstrumentCatalog interface {
	Instruments() []string
	Search(pattern string) []string
}
