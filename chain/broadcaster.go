package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/log"

	"github.com/gelotto/gmine/signer"
)

// TxKind names the contract executions the miner broadcasts. Gas defaults
// are per kind; claims in particular fail below 400k.
type TxKind int

const (
	TxCommit TxKind = iota
	TxReveal
	TxClaim
	TxAdvance
	TxFinalize
)

// String implements fmt.Stringer.
func (k TxKind) String() string {
	switch k {
	case TxCommit:
		return "commit"
	case TxReveal:
		return "reveal"
	case TxClaim:
		return "claim"
	case TxAdvance:
		return "advance"
	case TxFinalize:
		return "finalize"
	default:
		return fmt.Sprintf("tx(%d)", int(k))
	}
}

// GasLimit returns the default gas limit for the kind.
func (k TxKind) GasLimit() uint64 {
	switch k {
	case TxCommit:
		return 250_000
	case TxReveal:
		return 300_000
	case TxClaim:
		return 400_000
	default:
		return 200_000
	}
}

// maxGasLimit caps the out-of-gas doubling retry.
const maxGasLimit = 800_000

// Broadcaster serializes all transactions of one account. It owns the cached
// account number and sequence; nothing else mutates them, so no locking is
// needed as long as calls come from the single orchestrator task.
type Broadcaster struct {
	client *Client
	signer signer.Signer

	chainID    string
	ethChainID int64
	gasPrice   *big.Int

	accountNumber uint64
	sequence      uint64

	log log.Logger
}

// NewBroadcaster creates a broadcaster for the signer's account.
func NewBroadcaster(client *Client, sig signer.Signer, chainID string, ethChainID int64, gasPrice *big.Int) *Broadcaster {
	return &Broadcaster{
		client:     client,
		signer:     sig,
		chainID:    chainID,
		ethChainID: ethChainID,
		gasPrice:   gasPrice,
		log:        log.New("module", "broadcaster"),
	}
}

// Account returns the cached account number and sequence.
func (b *Broadcaster) Account() (number, sequence uint64) {
	return b.accountNumber, b.sequence
}

// SetAccount seeds the cache, typically from durable state at startup. The
// next Refresh overrides it with chain truth.
func (b *Broadcaster) SetAccount(number, sequence uint64) {
	b.accountNumber, b.sequence = number, sequence
}

// Refresh replaces the cached account number and sequence with the chain's
// authoritative values.
func (b *Broadcaster) Refresh(ctx context.Context) error {
	number, sequence, err := b.client.Account(ctx, b.signer.Address())
	if err != nil {
		return fmt.Errorf("refreshing account %s: %w", b.signer.Address(), err)
	}
	if number != b.accountNumber || sequence != b.sequence {
		b.log.Debug("Account refreshed", "number", number, "sequence", sequence,
			"cached_number", b.accountNumber, "cached_sequence", b.sequence)
	}
	b.accountNumber, b.sequence = number, sequence
	return nil
}

// Execute signs and broadcasts one contract execution, applying the retry
// policy: sequence mismatch gets one authoritative refresh and one retry,
// out of gas gets one doubled-gas retry up to the cap. Other rejections are
// classified and returned.
func (b *Broadcaster) Execute(ctx context.Context, kind TxKind, execMsg json.RawMessage) (*TxResult, error) {
	var (
		gas                    = kind.GasLimit()
		seqRetried, gasRetried bool
	)
	for {
		in := &signer.TxInput{
			ChainID:       b.chainID,
			EthChainID:    b.ethChainID,
			AccountNumber: b.accountNumber,
			Sequence:      b.sequence,
			Contract:      b.client.Contract(),
			ExecMsg:       execMsg,
			GasLimit:      gas,
			GasPrice:      b.gasPrice,
		}
		tx, err := b.signer.SignTx(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("signing %s: %w", kind, err)
		}
		res, err := b.client.BroadcastTx(ctx, tx)
		if err != nil {
			// Timed out or never reached the chain; the tx may still land,
			// so the cached sequence can no longer be trusted.
			if rerr := b.Refresh(ctx); rerr != nil {
				b.log.Debug("Post-failure account refresh failed", "err", rerr)
			}
			return nil, fmt.Errorf("broadcasting %s: %w", kind, err)
		}
		cerr := Classify(res)
		switch {
		case cerr == nil:
			b.sequence++
			b.log.Debug("Transaction accepted", "kind", kind, "hash", res.Hash, "sequence", b.sequence)
			return res, nil
		case errors.Is(cerr, ErrSequenceMismatch) && !seqRetried:
			seqRetried = true
			b.log.Debug("Sequence mismatch, refreshing and retrying once", "kind", kind, "log", res.RawLog)
			if err := b.Refresh(ctx); err != nil {
				return res, err
			}
		case errors.Is(cerr, ErrOutOfGas) && !gasRetried && gas < maxGasLimit:
			gasRetried = true
			gas *= 2
			if gas > maxGasLimit {
				gas = maxGasLimit
			}
			b.log.Debug("Out of gas, retrying with more", "kind", kind, "gas", gas)
		default:
			return res, cerr
		}
	}
}
