package chain

import (
	"errors"
	"fmt"
	"strings"
)

// Chain error codes the broadcaster reacts to.
const (
	// CodeOK is a successful check-tx.
	CodeOK = 0
	// CodeUnauthorized is signature verification failure, which in practice
	// usually masks a stale sequence.
	CodeUnauthorized = 4
	// CodeOutOfGas is gas exhaustion during check-tx or delivery.
	CodeOutOfGas = 11
	// CodeWrongSequence is an account sequence mismatch.
	CodeWrongSequence = 32
)

// Sentinel errors classifying broadcast failures for the orchestrator.
var (
	// ErrSequenceMismatch covers codes 4 and 32 after the single
	// refresh-and-retry has already been spent.
	ErrSequenceMismatch = errors.New("account sequence desynced")

	// ErrOutOfGas covers code 11 after the gas-doubling retry.
	ErrOutOfGas = errors.New("out of gas")

	// ErrWrongPhase is the contract rejecting a transaction submitted in the
	// wrong epoch phase. The epoch is forfeited, not retried.
	ErrWrongPhase = errors.New("wrong epoch phase")

	// ErrAlreadyCommitted is the contract reporting a commitment already
	// recorded for this epoch. Treated as success by the orchestrator.
	ErrAlreadyCommitted = errors.New("solution already committed")
)

// IsSequenceMismatch reports whether err classifies as a sequence desync.
func IsSequenceMismatch(err error) bool { return errors.Is(err, ErrSequenceMismatch) }

// IsOutOfGas reports whether err classifies as gas exhaustion.
func IsOutOfGas(err error) bool { return errors.Is(err, ErrOutOfGas) }

// IsWrongPhase reports whether err is a wrong-phase contract rejection.
func IsWrongPhase(err error) bool { return errors.Is(err, ErrWrongPhase) }

// IsAlreadyCommitted reports whether err is the contract's duplicate-commit
// rejection.
func IsAlreadyCommitted(err error) bool { return errors.Is(err, ErrAlreadyCommitted) }

// TxError is a non-zero broadcast result carrying the chain's code and log.
type TxError struct {
	Result TxResult
}

func (e *TxError) Error() string {
	return fmt.Sprintf("tx %s rejected: code %d: %s", e.Result.Hash, e.Result.Code, e.Result.RawLog)
}

// Classify maps a broadcast result to a sentinel error, or wraps it as a
// generic TxError. A zero code classifies to nil.
func Classify(res *TxResult) error {
	switch {
	case res.Code == CodeOK:
		return nil
	case res.Code == CodeUnauthorized || res.Code == CodeWrongSequence:
		return fmt.Errorf("%w: %s", ErrSequenceMismatch, res.RawLog)
	case res.Code == CodeOutOfGas:
		return fmt.Errorf("%w: %s", ErrOutOfGas, res.RawLog)
	case strings.Contains(res.RawLog, "wrong phase"):
		return fmt.Errorf("%w: %s", ErrWrongPhase, res.RawLog)
	case strings.Contains(res.RawLog, "already committed"):
		return fmt.Errorf("%w: %s", ErrAlreadyCommitted, res.RawLog)
	default:
		return &TxError{Result: *res}
	}
}
