// Package relay submits signed settlement transactions to a private block
// builder instead of the public mempool.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/flashbots/go-boost-utils/bls"
	"go.uber.org/zap"
)

// Config for the private-relay path.
type Config struct {
	URL string
	// SigningKey is the hex-encoded BLS secret identifying the searcher to
	// the builder. Distinct from the execution signing key.
	SigningKey string
	// TargetOffset is how many blocks ahead of head the bundle targets.
	TargetOffset uint64
	Timeout      time.Duration
}

// blockSource reads the current head block number.
type blockSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// Submitter wraps a transaction into a single-tx bundle and sends it to the
// builder over JSON-RPC.
type Submitter struct {
	cfg     Config
	key     *bls.SecretKey
	backend blockSource
	client  *http.Client
	logger  *zap.Logger
}

// New creates a relay submitter, validating the BLS key eagerly.
func New(cfg Config, backend blockSource, logger *zap.Logger) (*Submitter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("relay URL is required")
	}
	key, err := bls.SecretKeyFromBytes(common.FromHex(cfg.SigningKey))
	if err != nil {
		return nil, fmt.Errorf("failed to parse relay signing key: %w", err)
	}
	if cfg.TargetOffset == 0 {
		cfg.TargetOffset = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Submitter{
		cfg:     cfg,
		key:     key,
		backend: backend,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}, nil
}

type bundleParams struct {
	Txs         []string `json:"txs"`
	BlockNumber string   `json:"blockNumber"`
}

type rpcRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      int            `json:"id"`
	Method  string         `json:"method"`
	Params  []bundleParams `json:"params"`
}

type rpcResponse struct {
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Submit sends the transaction as a one-tx bundle targeting the next block.
func (s *Submitter) Submit(ctx context.Context, tx *ethtypes.Transaction) error {
	head, err := s.backend.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to get head block: %w", err)
	}
	target := head + s.cfg.TargetOffset

	raw, err := tx.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to encode transaction: %w", err)
	}

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "eth_sendBundle",
		Params: []bundleParams{{
			Txs:         []string{hexutil.Encode(raw)},
			BlockNumber: hexutil.EncodeUint64(target),
		}},
	})
	if err != nil {
		return fmt.Errorf("failed to encode bundle request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build relay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Relay-Signature", hexutil.Encode(s.signPayload(body)))

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach relay: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("relay returned status %d", resp.StatusCode)
	}
	var parsed rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("undecodable relay response: %w", err)
	}
	if parsed.Error != nil {
		return fmt.Errorf("relay rejected bundle: %s", parsed.Error.Message)
	}

	s.logger.Debug("bundle accepted by relay",
		zap.String("tx", tx.Hash().Hex()),
		zap.Uint64("target_block", target))
	return nil
}

// signPayload signs the request body hash with the searcher's BLS key.
func (s *Submitter) signPayload(body []byte) []byte {
	digest := crypto.Keccak256Hash(body)
	sig := bls.Sign(s.key, digest.Bytes())
	sigBytes := sig.Bytes()
	return sigBytes[:]
}
