package relayer

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/alanyoungcy/marketkeeper/internal/domain"
)

// Kind classifies the outcome of a ledger submission.
type Kind int

const (
	KindSuccess Kind = iota
	// KindAlreadyApplied means the state change had already happened.
	KindAlreadyApplied
	// KindMissingAccount means a target account does not exist on-ledger.
	KindMissingAccount
	// KindTransient is an infrastructure failure worth retrying later.
	KindTransient
	// KindRefused is a safety refusal that needs an operator.
	KindRefused
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindAlreadyApplied:
		return "already_applied"
	case KindMissingAccount:
		return "missing_account"
	case KindTransient:
		return "transient"
	case KindRefused:
		return "refused"
	default:
		return "fatal"
	}
}

// Result is the outcome of one ledger call. Callers must check Kind (or
// Applied) before treating the call as done: a confirmed transaction can
// still carry a program failure.
type Result struct {
	Kind      Kind
	Signature string
	Err       error
	Logs      []string
}

// Applied reports whether the ledger now reflects the requested change.
func (r Result) Applied() bool {
	return r.Kind == KindSuccess || r.Kind == KindAlreadyApplied
}

// AsError returns nil for applied results and an *Error otherwise.
func (r Result) AsError(op string) error {
	if r.Applied() {
		return nil
	}
	return &Error{Op: op, Result: r}
}

// Error wraps a non-applied ledger result.
type Error struct {
	Op     string
	Result Result
}

func (e *Error) Error() string {
	if e.Result.Err == nil {
		return fmt.Sprintf("relayer: %s: %s", e.Op, e.Result.Kind)
	}
	return fmt.Sprintf("relayer: %s: %s: %v", e.Op, e.Result.Kind, e.Result.Err)
}

func (e *Error) Unwrap() error { return e.Result.Err }

// LedgerError marks errors the scheduler must not retry: each lifecycle
// step handles ledger outcomes itself.
func (e *Error) LedgerError() bool { return true }

var (
	driftMarkers = []string{
		"already in use",
		"already initialized",
		"MarketAlreadyResolved",
		"MarketAlreadySettled",
		"MarketNotPending",
		"PositionAlreadySettled",
	}
	missingMarkers = []string{
		"AccountNotInitialized",
		"AccountNotFound",
		"could not find account",
		"account not found",
	}
	refusedMarkers = []string{
		"VaultNotEmpty",
	}
	transientMarkers = []string{
		"BlockhashNotFound",
		"Blockhash not found",
		"block height exceeded",
		"timed out",
		"timeout",
		"Too Many Requests",
		"Node is behind",
		"connection reset",
		"connection refused",
	}

	customCode = regexp.MustCompile(`"Custom":\s*(\d+)`)
	// Program error numbers: declaration order offset by 6000, plus the
	// framework's AccountNotInitialized.
	driftCodes   = map[string]bool{"6008": true, "6010": true, "6028": true}
	missingCodes = map[string]bool{"3012": true}
	refusedCodes = map[string]bool{"6032": true}
)

// Classify maps a failed call and its program logs to a Kind.
func Classify(err error, logs []string) Kind {
	if err == nil {
		return KindSuccess
	}
	text := err.Error() + "\n" + strings.Join(logs, "\n")

	code := ""
	if m := customCode.FindStringSubmatch(text); m != nil {
		code = m[1]
	}
	switch {
	case refusedCodes[code] || containsAny(text, refusedMarkers):
		return KindRefused
	case driftCodes[code] || containsAny(text, driftMarkers):
		return KindAlreadyApplied
	case missingCodes[code] || containsAny(text, missingMarkers):
		return KindMissingAccount
	case errors.Is(err, domain.ErrTransient),
		errors.Is(err, context.DeadlineExceeded),
		containsAny(text, transientMarkers):
		return KindTransient
	}
	return KindFatal
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
