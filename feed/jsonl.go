// Package feed adapts external opportunity producers to the executor. The
// JSONL source is the reference implementation: one opportunity per line,
// produced by whatever discovery process runs upstream.
package feed

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/quaylabs/flasharb/types"
)

type wireHop struct {
	Venue    string `json:"venue"`
	AssetIn  string `json:"asset_in"`
	AssetOut string `json:"asset_out"`
	AmountIn string `json:"amount_in"`
	MinOut   string `json:"min_out"`
	Pool     string `json:"pool"`
}

type wireOpportunity struct {
	Asset          string    `json:"asset"`
	Amount         string    `json:"amount"`
	ExpectedProfit string    `json:"expected_profit"`
	GasEstimate    uint64    `json:"gas_estimate"`
	Deadline       time.Time `json:"deadline"`
	Hops           []wireHop `json:"hops"`
}

// JSONLSource streams opportunities from a line-delimited JSON reader.
type JSONLSource struct {
	r      io.Reader
	logger *zap.Logger
}

// NewJSONLSource wraps a reader.
func NewJSONLSource(r io.Reader, logger *zap.Logger) *JSONLSource {
	return &JSONLSource{r: r, logger: logger}
}

// Opportunities returns a channel closed on EOF or context end. Undecodable
// lines are logged and skipped; the feed is external input, not a reason to
// stop executing.
func (s *JSONLSource) Opportunities(ctx context.Context) <-chan *types.ArbitrageOpportunity {
	out := make(chan *types.ArbitrageOpportunity)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(s.r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var wire wireOpportunity
			if err := json.Unmarshal(line, &wire); err != nil {
				s.logger.Warn("skipping undecodable opportunity line", zap.Error(err))
				continue
			}
			opp, err := wire.toOpportunity()
			if err != nil {
				s.logger.Warn("skipping malformed opportunity", zap.Error(err))
				continue
			}
			select {
			case <-ctx.Done():
				return
			case out <- opp:
			}
		}
		if err := scanner.Err(); err != nil {
			s.logger.Error("opportunity feed read failed", zap.Error(err))
		}
	}()
	return out
}

func (w *wireOpportunity) toOpportunity() (*types.ArbitrageOpportunity, error) {
	amount, err := parseBig(w.Amount)
	if err != nil {
		return nil, fmt.Errorf("amount: %w", err)
	}
	profit, err := parseBig(w.ExpectedProfit)
	if err != nil {
		return nil, fmt.Errorf("expected_profit: %w", err)
	}
	hops := make([]types.Hop, len(w.Hops))
	for i, h := range w.Hops {
		venueID, err := types.ParseVenueID(h.Venue)
		if err != nil {
			return nil, fmt.Errorf("hop %d: %w", i, err)
		}
		amountIn, err := parseBig(h.AmountIn)
		if err != nil {
			return nil, fmt.Errorf("hop %d amount_in: %w", i, err)
		}
		minOut, err := parseBig(h.MinOut)
		if err != nil {
			return nil, fmt.Errorf("hop %d min_out: %w", i, err)
		}
		hops[i] = types.Hop{
			Venue:     venueID,
			AssetIn:   common.HexToAddress(h.AssetIn),
			AssetOut:  common.HexToAddress(h.AssetOut),
			AmountIn:  amountIn,
			MinOut:    minOut,
			VenueData: common.HexToAddress(h.Pool).Bytes(),
		}
	}
	return &types.ArbitrageOpportunity{
		Asset:          common.HexToAddress(w.Asset),
		Amount:         amount,
		Hops:           hops,
		ExpectedProfit: profit,
		GasEstimate:    w.GasEstimate,
		Deadline:       w.Deadline,
	}, nil
}

func parseBig(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("not a base-10 integer: %q", s)
	}
	return v, nil
}
