// Package codec is the binary wire format of the IMS protocol.
//
// Every message is an 8 byte header followed by a body:
//
//	message_type u16 | schema_version u16 | body_length u32 | body
//
// All integers are little-endian. Strings carry a u16 byte-length prefix,
// decimals are an i64 coefficient followed by an i32 exponent and times are
// i64 Unix nanoseconds. The package holds no state and performs no I/O.
//
// Decoding preserves values, not representations: a decoded decimal is
// decimal.Equal to the encoded one and a decoded time is time.Equal to it and
// always in UTC. The zero decimal.Decimal decodes as decimal.New(0, 0) and the
// zero time.Time decodes as the zero time.Time.
package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/marvin-hansen/iggy-streaming-system-sub001/common"
	"github.com/marvin-hansen/iggy-streaming-system-sub001/ds"
)

const (
	HeaderSize      = 8
	SchemaVersion   = 1
	MaxStringLength = math.MaxUint16
)

type Header struct {
	MessageType ds.MessageType
	Version     uint16
	BodyLength  uint32
}

// ReadHeader parses the fixed header at the start of b.
func ReadHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: header needs %d bytes, have %d", ErrTruncated, HeaderSize, len(b))
	}
	return Header{
		MessageType: ds.MessageType(binary.LittleEndian.Uint16(b[0:2])),
		Version:     binary.LittleEndian.Uint16(b[2:4]),
		BodyLength:  binary.LittleEndian.Uint32(b[4:8]),
	}, nil
}

// Encode serializes msg into a new buffer.
func Encode(msg ds.Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", ErrUnknownMessageType)
	}
	w := &writer{buf: make([]byte, HeaderSize, HeaderSize+64)}

	switch m := msg.(type) {
	case ds.ClientLogin:
		w.u16(uint16(m.ClientID))
	case ds.ClientLogout:
		w.u16(uint16(m.ClientID))
	case ds.StartData:
		encodeStream(w, m.ClientID, m.Kind, m.Symbol)
	case ds.StopData:
		encodeStream(w, m.ClientID, m.Kind, m.Symbol)
	case ds.StopAllData:
		w.u16(uint16(m.ClientID))
	case ds.OHLCVBar:
		w.str("symbol", m.Symbol)
		w.time(m.DateTime)
		w.decimal("open", m.Open)
		w.decimal("high", m.High)
		w.decimal("low", m.Low)
		w.decimal("close", m.Close)
		w.decimal("volume", m.Volume)
	case ds.TradeBar:
		w.str("symbol", m.Symbol)
		w.time(m.DateTime)
		w.decimal("price", m.Price)
		w.decimal("volume", m.Volume)
	case ds.ClientError:
		if !m.ErrorType.IsValid() {
			return nil, fmt.Errorf("%w: client error type %d", ErrInvalidField, m.ErrorType)
		}
		w.u16(uint16(m.ClientID))
		w.u8(uint8(m.ErrorType))
		w.str("message", m.Message)
	case ds.DataError:
		if !m.ErrorType.IsValid() {
			return nil, fmt.Errorf("%w: data error type %d", ErrInvalidField, m.ErrorType)
		}
		w.u8(uint8(m.ErrorType))
		w.str("message", m.Message)
	case ds.ServiceShutdown:
		w.str("reason", m.Reason)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessageType, msg)
	}
	if w.err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.MessageType(), w.err)
	}

	body := len(w.buf) - HeaderSize
	binary.LittleEndian.PutUint16(w.buf[0:2], uint16(msg.MessageType()))
	binary.LittleEndian.PutUint16(w.buf[2:4], SchemaVersion)
	binary.LittleEndian.PutUint32(w.buf[4:8], uint32(body))
	return w.buf, nil
}

func encodeStream(w *writer, clientID common.ClientID, kind ds.BarKind, symbol string) {
	if !kind.IsValid() {
		w.err = fmt.Errorf("%w: bar kind %d", ErrInvalidField, kind)
		return
	}
	w.u16(uint16(clientID))
	w.u8(uint8(kind))
	w.str("symbol", symbol)
}

// Decode parses exactly one message occupying all of b.
func Decode(b []byte) (ds.Message, error) {
	h, err := ReadHeader(b)
	if err != nil {
		return nil, err
	}
	if !h.MessageType.IsValid() {
		return nil, fmt.Errorf("%w: tag %d", ErrUnknownMessageType, uint16(h.MessageType))
	}
	if h.Version != SchemaVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	remaining := uint64(len(b) - HeaderSize)
	if uint64(h.BodyLength) != remaining {
		return nil, fmt.Errorf("%w: %s declares %d body bytes, %d remain", ErrLengthMismatch, h.MessageType, h.BodyLength, remaining)
	}

	r := &reader{buf: b[HeaderSize:]}
	msg := decodeBody(h.MessageType, r)
	if err := r.done(); err != nil {
		return nil, fmt.Errorf("decode %s: %w", h.MessageType, err)
	}
	return msg, nil
}

func decodeBody(t ds.MessageType, r *reader) ds.Message {
	switch t {
	case ds.TypeClientLogin:
		return ds.ClientLogin{ClientID: common.ClientID(r.u16("client_id"))}
	case ds.TypeClientLogout:
		return ds.ClientLogout{ClientID: common.ClientID(r.u16("client_id"))}
	case ds.TypeStartData:
		id, kind, symbol := decodeStream(r)
		return ds.StartData{ClientID: id, Kind: kind, Symbol: symbol}
	case ds.TypeStopData:
		id, kind, symbol := decodeStream(r)
		return ds.StopData{ClientID: id, Kind: kind, Symbol: symbol}
	case ds.TypeStopAllData:
		return ds.StopAllData{ClientID: common.ClientID(r.u16("client_id"))}
	case ds.TypeOHLCVBar:
		return ds.OHLCVBar{
			Symbol:   r.str("symbol"),
			DateTime: r.time("date_time"),
			Open:     r.decimal("open"),
			High:     r.decimal("high"),
			Low:      r.decimal("low"),
			Close:    r.decimal("close"),
			Volume:   r.decimal("volume"),
		}
	case ds.TypeTradeBar:
		return ds.TradeBar{
			Symbol:   r.str("symbol"),
			DateTime: r.time("date_time"),
			Price:    r.decimal("price"),
			Volume:   r.decimal("volume"),
		}
	case ds.TypeClientError:
		id := common.ClientID(r.u16("client_id"))
		errorType := ds.ClientErrorType(r.u8("error_type"))
		if r.err == nil && !errorType.IsValid() {
			r.err = fmt.Errorf("%w: client error type %d", ErrInvalidField, errorType)
		}
		return ds.ClientError{ClientID: id, ErrorType: errorType, Message: r.str("message")}
	case ds.TypeDataError:
		errorType := ds.DataErrorType(r.u8("error_type"))
		if r.err == nil && !errorType.IsValid() {
			r.err = fmt.Errorf("%w: data error type %d", ErrInvalidField, errorType)
		}
		return ds.DataError{ErrorType: errorType, Message: r.str("message")}
	case ds.TypeServiceShutdown:
		return ds.ServiceShutdown{Reason: r.str("reason")}
	}
	r.err = fmt.Errorf("%w: tag %d", ErrUnknownMessageType, uint16(t))
	return nil
}

func decodeStream(r *reader) (common.ClientID, ds.BarKind, string) {
	id := common.ClientID(r.u16("client_id"))
	kind := ds.BarKind(r.u8("kind"))
	if r.err == nil && !kind.IsValid() {
		r.err = fmt.Errorf("%w: bar kind %d", ErrInvalidField, kind)
	}
	return id, kind, r.str("symbol")
}
