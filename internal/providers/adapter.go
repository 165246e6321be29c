package providers

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Provider types known to the gateway. Adding a type means registering a
// factory for it at startup; the governor itself never switches on these.
const (
	TypeCRM      = "crm"
	TypeHelpdesk = "helpdesk"
	TypeCalendar = "calendar"
	TypeEmail    = "email"
	TypeLLM      = "llm"
)

// IdempotencyClass says whether an operation may be replayed freely.
type IdempotencyClass string

const (
	// ClassSafe operations (reads) can run any number of times.
	ClassSafe IdempotencyClass = "safe"
	// ClassUnsafe operations (creates, updates, sends) require an
	// idempotency key and are deduplicated by the governor.
	ClassUnsafe IdempotencyClass = "unsafe"
)

// Params is the normalized operation payload handed to an adapter.
type Params map[string]any

// ExecOptions carry per-call execution hints.
type ExecOptions struct {
	Timeout time.Duration
}

// Result is the uniform outcome of a provider call.
type Result struct {
	StatusCode int
	Body       map[string]any
	// Units reports provider-measured consumption (e.g. LLM tokens) that
	// feeds usage-proportional cost models. Zero for flat-rate operations.
	Units int64
}

// Adapter is the uniform contract every downstream integration implements.
// Implementations must honor ctx cancellation and the ExecOptions timeout,
// must classify failures via *Error, and must not mutate shared in-process
// state so concurrent calls need no coordination.
type Adapter interface {
	// Execute performs one operation against the downstream system.
	Execute(ctx context.Context, operation string, params Params, opts ExecOptions) (Result, error)

	// CostModel computes the credits consumed by a completed call. For calls
	// that never produced a result (timeout), pass a zero Result; the
	// governor applies the timeout charge policy on top.
	CostModel(operation string, params Params, result Result) decimal.Decimal

	// IdempotencyClass reports whether the operation needs deduplication.
	IdempotencyClass(operation string) IdempotencyClass
}
