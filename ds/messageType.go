package ds

import "fmt"

// MessageType is the leading tag of every wire message.
type MessageType uint16

const (
	TypeUnknown MessageType = iota // 0, never valid on the wire
	TypeClientLogin
	TypeClientLogout
	TypeStartData
	TypeStopData
	TypeStopAllData
	TypeOHLCVBar
	TypeTradeBar
	TypeClientError
	TypeDataError
	TypeServiceShutdown
)

var messageTypeNames = map[MessageType]string{
	TypeClientLogin:     "ClientLogin",
	TypeClientLogout:    "ClientLogout",
	TypeStartData:       "StartData",
	TypeStopData:        "StopData",
	TypeStopAllData:     "StopAllData",
	TypeOHLCVBar:        "OHLCVBar",
	TypeTradeBar:        "TradeBar",
	TypeClientError:     "ClientError",
	TypeDataError:       "DataError",
	TypeServiceShutdown: "ServiceShutdown",
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MessageType(%d)", uint16(t))
}

func (t MessageType) IsValid() bool {
	_, ok := messageTypeNames[t]
	return ok
}

// BarKind selects which bar stream a subscription refers to.
type BarKind uint8

const (
	UnknownBarKind BarKind = iota
	OHLCVKind
	TradeKind
)

func (k BarKind) String() string {
	switch k {
	case OHLCVKind:
		return "ohlcv"
	case TradeKind:
		return "trade"
	default:
		return fmt.Sprintf("BarKind(%d)", uint8(k))
	}
}

func (k BarKind) IsValid() bool {
	return k == OHLCVKind || k == TradeKind
}

// MessageType returns the payload tag carrying bars of this kind.
func (k BarKind) MessageType() MessageType {
	switch k {
	case OHLCVKind:
		return TypeOHLCVBar
	case TradeKind:
		return TypeTradeBar
	default:
		return TypeUnknown
	}
}
