package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/marvin-hansen/iggy-streaming-system-sub001/codec"
	"github.com/marvin-hansen/iggy-streaming-system-sub001/common"
	"github.com/marvin-hansen/iggy-streaming-system-sub001/ds"
	"github.com/spf13/cobra"
	slogctx "github.com/veqryn/slog-context"
)

type loadTestOptions struct {
	URL      string
	Clients  int
	Symbol   string
	Kind     string
	Duration time.Duration
}

var loadOpts = loadTestOptions{
	URL:      "ws://localhost:8080/ws",
	Clients:  100,
	Symbol:   "BTCUSD",
	Kind:     ds.OHLCVKind.String(),
	Duration: 30 * time.Second,
}

var loadTestCmd = &cobra.Command{
	Use:   "loadtest",
	Short: "Connect many websocket clients to one stream and report bar latency",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

		summary, err := loadTest(slogctx.NewCtx(ctx, logger), loadOpts)
		if err != nil {
			return err
		}
		summary.print(cmd.OutOrStdout())
		return nil
	},
}

func init() {
	f := loadTestCmd.Flags()
	f.StringVar(&loadOpts.URL, "url", loadOpts.URL, "websocket endpoint")
	f.IntVar(&loadOpts.Clients, "clients", loadOpts.Clients, "concurrent clients, ids 1..n")
	f.StringVar(&loadOpts.Symbol, "symbol", loadOpts.Symbol, "symbol every client subscribes to")
	f.StringVar(&loadOpts.Kind, "kind", loadOpts.Kind, "bar kind: ohlcv or trade")
	f.DurationVar(&loadOpts.Duration, "duration", loadOpts.Duration, "how long to stream")
	rootCmd.AddCommand(loadTestCmd)
}

func parseKind(s string) (ds.BarKind, error) {
	for _, kind := range []ds.BarKind{ds.OHLCVKind, ds.TradeKind} {
		if kind.String() == s {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("unknown bar kind %q", s)
}

// loadTest streams for opts.Duration or until ctx ends. Latency is measured
// from a bar's timestamp to its arrival.
func loadTest(ctx context.Context, opts loadTestOptions) (latencySummary, error) {
	kind, err := parseKind(opts.Kind)
	if err != nil {
		return latencySummary{}, err
	}
	if opts.Clients < 1 || opts.Clients > int(^common.ClientID(0)) {
		return latencySummary{}, fmt.Errorf("clients must be in 1..%d", ^common.ClientID(0))
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Duration)
	defer cancel()

	var (
		mu        sync.Mutex
		latencies []float64
		wg        sync.WaitGroup
		dialErr   error
		once      sync.Once
	)
	record := func(ms float64) {
		mu.Lock()
		latencies = append(latencies, ms)
		mu.Unlock()
	}

	for i := 1; i <= opts.Clients; i++ {
		wg.Add(1)
		go func(clientID common.ClientID) {
			defer wg.Done()
			if err := loadClient(ctx, opts.URL, clientID, ds.SubscriptionKey{Symbol: opts.Symbol, Kind: kind}, record); err != nil {
				once.Do(func() {
					dialErr = err
					cancel()
				})
			}
		}(common.ClientID(i))
	}
	wg.Wait()

	if dialErr != nil {
		return latencySummary{}, dialErr
	}
	return summarize(latencies), nil
}

func loadClient(ctx context.Context, url string, clientID common.ClientID, key ds.SubscriptionKey, record func(float64)) error {
	logger := slogctx.FromCtx(ctx).With("client-id", clientID)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for _, msg := range []ds.Message{
		ds.ClientLogin{ClientID: clientID},
		ds.StartData{ClientID: clientID, Symbol: key.Symbol, Kind: key.Kind},
	} {
		frame, err := codec.Encode(msg)
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			return fmt.Errorf("write: %w", err)
		}
	}

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("read error", "err", err)
			}
			return nil
		}
		msg, err := codec.Decode(frame)
		if err != nil {
			logger.Warn("undecodable frame", "err", err)
			continue
		}
		switch m := msg.(type) {
		case ds.OHLCVBar:
			record(float64(time.Since(m.DateTime).Microseconds()) / 1e3)
		case ds.TradeBar:
			record(float64(time.Since(m.DateTime).Microseconds()) / 1e3)
		case ds.ServiceShutdown:
			return nil
		default:
			logger.Warn("server reply", "msg-type", msg.MessageType().String(), "msg", fmt.Sprint(msg))
		}
	}
}

type latencySummary struct {
	Samples       int
	Min, Max, Avg float64
	P50, P90, P99 float64
	P999          float64
}

// summarize sorts latencies in place.
func summarize(latencies []float64) latencySummary {
	n := len(latencies)
	if n == 0 {
		return latencySummary{}
	}
	sort.Float64s(latencies)

	var sum float64
	for _, v := range latencies {
		sum += v
	}
	p := func(pct float64) float64 {
		pos := pct / 100.0 * float64(n-1)
		i := int(pos)
		if i >= n-1 {
			return latencies[n-1]
		}
		f := pos - float64(i)
		return latencies[i] + (latencies[i+1]-latencies[i])*f
	}
	return latencySummary{
		Samples: n,
		Min:     latencies[0],
		Max:     latencies[n-1],
		Avg:     sum / float64(n),
		P50:     p(50),
		P90:     p(90),
		P99:     p(99),
		P999:    p(99.9),
	}
}

func (s latencySummary) print(w io.Writer) {
	if s.Samples == 0 {
		fmt.Fprintln(w, "No latency samples.")
		return
	}
	fmt.Fprintln(w, "--------- Latency Summary (ms) ---------")
	fmt.Fprintf(w, "Samples: %d\n", s.Samples)
	fmt.Fprintf(w, "Min: %.3f ms\n", s.Min)
	fmt.Fprintf(w, "Max: %.3f ms\n", s.Max)
	fmt.Fprintf(w, "Avg: %.3f ms\n", s.Avg)
	fmt.Fprintf(w, "P50: %.3f ms\n", s.P50)
	fmt.Fprintf(w, "P90: %.3f ms\n", s.P90)
	fmt.Fprintf(w, "P99: %.3f ms\n", s.P99)
	fmt.Fprintf(w, "P99.9: %.3f ms\n", s.P999)
}
