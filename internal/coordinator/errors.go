package coordinator

import (
	"fmt"
	"time"

	"github.com/meridian-trading/meridian/internal/solana"
)

// ErrorCode classifies a pipeline failure.
type ErrorCode string

const (
	ErrRPCRateLimit     ErrorCode = "RPC_RATE_LIMIT"
	ErrRPCTimeout       ErrorCode = "RPC_TIMEOUT"
	ErrTxDecodeFail     ErrorCode = "TX_DECODE_FAIL"
	ErrMissingAccounts  ErrorCode = "MISSING_ACCOUNTS"
	ErrLiquidityUnknown ErrorCode = "LIQUIDITY_UNKNOWN"
	ErrGateReject       ErrorCode = "GATE_REJECT"
	ErrJupiterFail      ErrorCode = "JUPITER_FAIL"
	ErrJitoSendFail     ErrorCode = "JITO_SEND_FAIL"
	ErrSimFail          ErrorCode = "SIM_FAIL"
	ErrExecutionFail    ErrorCode = "EXECUTION_FAIL"
)

// ProcessingError is a classified pipeline failure. Retryable errors may be
// attempted again within the same candidate's budget; non-retryable errors
// end processing for the candidate. The coordinator stamps candidate context
// onto the error when it terminates the candidate, so a journalled failure
// reads on its own without the surrounding Candidate.
type ProcessingError struct {
	Code      ErrorCode
	Stage     string // pipeline stage that produced the error
	Retryable bool
	Err       error

	// Candidate context, filled in by the coordinator at termination.
	Pool      solana.Pubkey
	Mint      solana.Pubkey
	Signature solana.Signature
	Slot      uint64
	Layer     string
	Phase     Phase // phase the candidate was in when it failed
	At        time.Time
}

func (e *ProcessingError) Error() string {
	msg := fmt.Sprintf("%s [%s]", e.Stage, e.Code)
	if e.Pool != "" {
		msg = fmt.Sprintf("%s pool=%s", msg, e.Pool)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// NewError builds a classified error.
func NewError(code ErrorCode, stage string, retryable bool, err error) *ProcessingError {
	return &ProcessingError{Code: code, Stage: stage, Retryable: retryable, Err: err}
}
