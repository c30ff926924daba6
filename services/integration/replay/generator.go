package replay

import (
	"math/rand/v2"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/marvin-hansen/iggy-streaming-system-sub001/ds"
	"github.com/shopspring/decimal"
)

type generator interface {
	next(now time.Time) (ds.Bar, bool)
}

// randomWalk is deterministic for a given seed and key.
type randomWalk struct {
	key   ds.SubscriptionKey
	rng   *rand.Rand
	price decimal.Decimal
}

var (
	maxStep   = decimal.New(5, -3) // 0.5% per bar
	priceTick = int32(2)
	sizeTick  = int32(4)
)

func newRandomWalk(key ds.SubscriptionKey, seed uint64, start decimal.Decimal) *randomWalk {
	return &randomWalk{
		key:   key,
		rng:   rand.New(rand.NewPCG(seed, xxhash.Sum64String(key.String()))),
		price: start,
	}
}

func (w *randomWalk) step() decimal.Decimal {
	move := decimal.NewFromFloat(w.rng.Float64()*2 - 1).Mul(maxStep)
	w.price = w.price.Mul(decimal.NewFromInt(1).Add(move)).Round(priceTick)
	if w.price.LessThanOrEqual(decimal.Zero) {
		w.price = decimal.New(1, -priceTick)
	}
	return w.price
}

func (w *randomWalk) volume() decimal.Decimal {
	return decimal.NewFromFloat(w.rng.Float64() * 10).Round(sizeTick)
}

func (w *randomWalk) next(now time.Time) (ds.Bar, bool) {
	if w.key.Kind == ds.TradeKind {
		return ds.TradeBar{
			Symbol:   w.key.Symbol,
			DateTime: now,
			Price:    w.step(),
			Volume:   w.volume(),
		}, true
	}

	open := w.price
	high, low := open, open
	for n := 0; n < 4; n++ {
		p := w.step()
		high = decimal.Max(high, p)
		low = decimal.Min(low, p)
	}
	return ds.OHLCVBar{
		Symbol:   w.key.Symbol,
		DateTime: now,
		Open:     open,
		High:     high,
		Low:      low,
		Close:    w.price,
		Volume:   w.volume(),
	}, true
}

// script replays the bars of one key in order.
type script struct {
	bars []ds.Bar
}

func newScript(key ds.SubscriptionKey, bars []ds.Bar) *script {
	s := &script{}
	for _, bar := range bars {
		if bar.Key() == key {
			s.bars = append(s.bars, bar)
		}
	}
	return s
}

func (s *script) next(time.Time) (ds.Bar, bool) {
	if len(s.bars) == 0 {
		return nil, false
	}
	bar := s.bars[0]
	s.bars = s.bars[1:]
	return bar, true
}
