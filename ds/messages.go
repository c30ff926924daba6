package ds

import (
	"fmt"
	"time"

	"github.com/marvin-hansen/iggy-streaming-system-sub001/common"
	"github.com/shopspring/decimal"
)

// Message is implemented by every wire variant.
type Message interface {
	MessageType() MessageType
}

// ClientMessage is implemented by the variants a client addresses to its session.
type ClientMessage interface {
	Message
	GetClientID() common.ClientID
}

// SubscriptionKey names one bar stream.
type SubscriptionKey struct {
	Symbol string
	Kind   BarKind
}

func (k SubscriptionKey) String() string {
	return fmt.Sprintf("%s:%s", k.Kind, k.Symbol)
}

// StreamRequest is handed to an integration when a client starts or stops a stream.
type StreamRequest struct {
	ClientID common.ClientID
	Symbol   string
	Kind     BarKind
}

func (r StreamRequest) Key() SubscriptionKey {
	return SubscriptionKey{Symbol: r.Symbol, Kind: r.Kind}
}

type ClientLogin struct {
	ClientID common.ClientID
}

func (ClientLogin) MessageType() MessageType       { return TypeClientLogin }
func (m ClientLogin) GetClientID() common.ClientID { return m.ClientID }

type ClientLogout struct {
	ClientID common.ClientID
}

func (ClientLogout) MessageType() MessageType       { return TypeClientLogout }
func (m ClientLogout) GetClientID() common.ClientID { return m.ClientID }

type StartData struct {
	ClientID common.ClientID
	Kind     BarKind
	Symbol   string
}

func (StartData) MessageType() MessageType       { return TypeStartData }
func (m StartData) GetClientID() common.ClientID { return m.ClientID }

func (m StartData) Key() SubscriptionKey {
	return SubscriptionKey{Symbol: m.Symbol, Kind: m.Kind}
}

type StopData struct {
	ClientID common.ClientID
	Kind     BarKind
	Symbol   string
}

func (StopData) MessageType() MessageType       { return TypeStopData }
func (m StopData) GetClientID() common.ClientID { return m.ClientID }

func (m StopData) Key() SubscriptionKey {
	return SubscriptionKey{Symbol: m.Symbol, Kind: m.Kind}
}

type StopAllData struct {
	ClientID common.ClientID
}

func (StopAllData) MessageType() MessageType       { return TypeStopAllData }
func (m StopAllData) GetClientID() common.ClientID { return m.ClientID }

// Bar is implemented by the data payload variants.
type Bar interface {
	Message
	Key() SubscriptionKey
}

// OHLCVBar aggregates trades over one time window.
type OHLCVBar struct {
	Symbol   string
	DateTime time.Time
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
}

func (OHLCVBar) MessageType() MessageType { return TypeOHLCVBar }

func (b OHLCVBar) Key() SubscriptionKey {
	return SubscriptionKey{Symbol: b.Symbol, Kind: OHLCVKind}
}

// TradeBar is a single trade record.
type TradeBar struct {
	Symbol   string
	DateTime time.Time
	Price    decimal.Decimal
	Volume   decimal.Decimal
}

func (TradeBar) MessageType() MessageType { return TypeTradeBar }

func (b TradeBar) Key() SubscriptionKey {
	return SubscriptionKey{Symbol: b.Symbol, Kind: TradeKind}
}

// ServiceShutdown tells a client the service is going away and its session is gone.
type ServiceShutdown struct {
	Reason string
}

func (ServiceShutdown) MessageType() MessageType { return TypeServiceShutdown }
