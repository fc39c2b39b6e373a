// Package stratum implements the pool-side session: a line-framed JSON-RPC
// client with protocol variant handling, share submission bookkeeping and
// reconnect/failover logic.
package stratum

import "fmt"

// Protocol selects the stratum dialect spoken after connect.
type Protocol int

const (
	// ProtocolStratum is classic stratum: subscribe, authorize, notify.
	ProtocolStratum Protocol = iota
	// ProtocolEthProxy skips mining.subscribe and logs in with
	// eth_submitLogin.
	ProtocolEthProxy
	// ProtocolEthereumStratum is the NiceHash EthereumStratum/1.0.0
	// variant of subscribe.
	ProtocolEthereumStratum
	// ProtocolStratumV2 is unimplemented; selecting it falls back to
	// classic stratum with a warning.
	ProtocolStratumV2
)

func (p Protocol) String() string {
	switch p {
	case ProtocolStratum:
		return "stratum"
	case ProtocolEthProxy:
		return "ethproxy"
	case ProtocolEthereumStratum:
		return "ethereumstratum"
	case ProtocolStratumV2:
		return "stratum2"
	default:
		return "unknown"
	}
}

// ParseProtocol maps a config string onto a Protocol.
func ParseProtocol(s string) (Protocol, error) {
	switch s {
	case "", "stratum":
		return ProtocolStratum, nil
	case "ethproxy":
		return ProtocolEthProxy, nil
	case "ethereumstratum":
		return ProtocolEthereumStratum, nil
	case "stratum2":
		return ProtocolStratumV2, nil
	default:
		return ProtocolStratum, fmt.Errorf("unknown stratum protocol %q", s)
	}
}

// State is the session's position in the handshake.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateSubscribed
	StateAuthorized
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	case StateAuthorized:
		return "authorized"
	default:
		return "unknown"
	}
}
