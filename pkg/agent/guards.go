package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/autopoiesis-io/autopoiesis/pkg/config"
)

// Guard breach codes. Stable strings carried by LimitError; the worker
// writes them into the partial result so they survive the queue boundary.
const (
	LimitToolLoop    = "tool_loop_exceeded"
	LimitTokenBudget = "token_budget_exceeded"
	LimitTimeout     = "timeout_exceeded"
)

// Guards are the execution budgets enforced on every turn. Sitting exactly
// at a budget is allowed; strictly exceeding it aborts the turn. A zero
// budget disables that guard.
type Guards struct {
	// MaxIterations caps tool calls within a single turn.
	MaxIterations int

	// TokenBudget caps cumulative prompt+completion tokens.
	TokenBudget int

	// Timeout caps wall-clock time, measured from turn start.
	Timeout time.Duration

	// WarningFraction is the budget fraction at which a one-shot warning is
	// logged per guard.
	WarningFraction float64
}

// GuardsFromConfig converts configured budgets into their runtime form.
func GuardsFromConfig(cfg config.GuardsConfig) Guards {
	return Guards{
		MaxIterations:   cfg.ToolLoopMaxIterations,
		TokenBudget:     cfg.WorkItemTokenBudget,
		Timeout:         time.Duration(cfg.WorkItemTimeoutSeconds) * time.Second,
		WarningFraction: cfg.WarningFraction,
	}
}

// LimitError reports a breached execution budget. The queue worker converts
// it into a partial_result output instead of failing the work item.
type LimitError struct {
	Code    string
	Message string
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func limitErrorf(code, format string, args ...any) *LimitError {
	return &LimitError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// LimitCode extracts the guard code from err, or "" when err is not a guard
// breach.
func LimitCode(err error) string {
	var lerr *LimitError
	if errors.As(err, &lerr) {
		return lerr.Code
	}
	return ""
}

// RuntimeError wraps a provider failure (transport, schema, aborted stream)
// with its class name so the failure crosses the queue boundary intact.
type RuntimeError struct {
	Class   string
	Message string
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

// tracker enforces the three guards over one turn. Not safe for concurrent
// use; the turn loop is single-threaded.
type tracker struct {
	guards     Guards
	started    time.Time
	iterations int
	tokens     int
	warned     map[string]bool
	logger     *slog.Logger
}

func newTracker(guards Guards, logger *slog.Logger) *tracker {
	return &tracker{
		guards:  guards,
		started: time.Now(),
		warned:  make(map[string]bool),
		logger:  logger,
	}
}

// checkClock enforces the wall-clock budget. Called before each model call
// and before each streamed chunk.
func (t *tracker) checkClock() error {
	if t.guards.Timeout <= 0 {
		return nil
	}
	elapsed := time.Since(t.started)
	t.warnAt(LimitTimeout, float64(elapsed), float64(t.guards.Timeout))
	if elapsed > t.guards.Timeout {
		return limitErrorf(LimitTimeout, "turn exceeded the %s wall-clock limit", t.guards.Timeout)
	}
	return nil
}

// recordIteration counts one tool call against the iteration cap.
func (t *tracker) recordIteration() error {
	if t.guards.MaxIterations <= 0 {
		return nil
	}
	t.iterations++
	t.warnAt(LimitToolLoop, float64(t.iterations), float64(t.guards.MaxIterations))
	if t.iterations > t.guards.MaxIterations {
		return limitErrorf(LimitToolLoop, "tool loop exceeded %d iterations", t.guards.MaxIterations)
	}
	return nil
}

// recordUsage counts one model call's reported tokens against the budget.
func (t *tracker) recordUsage(input, output int) error {
	if t.guards.TokenBudget <= 0 {
		return nil
	}
	t.tokens += input + output
	t.warnAt(LimitTokenBudget, float64(t.tokens), float64(t.guards.TokenBudget))
	if t.tokens > t.guards.TokenBudget {
		return limitErrorf(LimitTokenBudget, "token usage %d exceeded the %d budget", t.tokens, t.guards.TokenBudget)
	}
	return nil
}

func (t *tracker) warnAt(code string, used, budget float64) {
	if t.warned[code] || t.guards.WarningFraction <= 0 {
		return
	}
	if used/budget >= t.guards.WarningFraction {
		t.warned[code] = true
		t.logger.Warn("Approaching execution budget",
			"guard", code,
			"used_percent", int(used/budget*100))
	}
}
