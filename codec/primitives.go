package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// zeroTime marks the zero time.Time, which has no Unix nanosecond representation.
const zeroTime = math.MinInt64

// writer appends little-endian fields to buf. The first failure sticks.
type writer struct {
	buf []byte
	err error
}

func (w *writer) u8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *writer) u16(v uint16) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

func (w *writer) u32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *writer) i64(v int64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, uint64(v))
}

func (w *writer) str(field, s string) {
	if w.err != nil {
		return
	}
	if len(s) > MaxStringLength {
		w.err = fmt.Errorf("%w: %s is %d bytes, max %d", ErrStringTooLong, field, len(s), MaxStringLength)
		return
	}
	if !utf8.ValidString(s) {
		w.err = fmt.Errorf("%w: %s is not valid utf-8", ErrInvalidField, field)
		return
	}
	w.u16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) time(t time.Time) {
	if t.IsZero() {
		w.i64(zeroTime)
		return
	}
	w.i64(t.UnixNano())
}

func (w *writer) decimal(field string, d decimal.Decimal) {
	if w.err != nil {
		return
	}
	coef := d.Coefficient()
	if !coef.IsInt64() {
		w.err = fmt.Errorf("%w: %s coefficient %s overflows int64", ErrInvalidField, field, coef)
		return
	}
	w.i64(coef.Int64())
	w.u32(uint32(d.Exponent()))
}

// reader consumes little-endian fields from buf. The first failure sticks and
// every later read returns a zero value.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) take(field string, n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf)-r.off < n {
		r.err = fmt.Errorf("%w: %s needs %d bytes at offset %d, have %d", ErrTruncated, field, n, r.off, len(r.buf)-r.off)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8(field string) uint8 {
	b := r.take(field, 1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16(field string) uint16 {
	b := r.take(field, 2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *reader) u32(field string) uint32 {
	b := r.take(field, 4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) i64(field string) int64 {
	b := r.take(field, 8)
	if b == nil {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(b))
}

func (r *reader) str(field string) string {
	n := r.u16(field)
	b := r.take(field, int(n))
	if r.err != nil {
		return ""
	}
	if !utf8.Valid(b) {
		r.err = fmt.Errorf("%w: %s is not valid utf-8", ErrInvalidField, field)
		return ""
	}
	return string(b)
}

func (r *reader) time(field string) time.Time {
	n := r.i64(field)
	if r.err != nil || n == zeroTime {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func (r *reader) decimal(field string) decimal.Decimal {
	coef := r.i64(field)
	exp := int32(r.u32(field))
	if r.err != nil {
		return decimal.Decimal{}
	}
	return decimal.New(coef, exp)
}

// done reports trailing bytes as a length mismatch.
func (r *reader) done() error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.buf) {
		return fmt.Errorf("%w: %d trailing bytes after payload", ErrLengthMismatch, len(r.buf)-r.off)
	}
	return nil
}
