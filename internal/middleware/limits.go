package middleware

import "time"

// StopReasonKind discriminates why a turn was terminated by execution limits.
type StopReasonKind string

const (
	StopIterationLimit  StopReasonKind = "iteration_limit"
	StopTimeout         StopReasonKind = "timeout"
	StopLoopDetected    StopReasonKind = "loop_detected"
	StopBudgetExhausted StopReasonKind = "budget_exhausted"
)

// StopReason is the terminal output of a turn gated by execution limits.
type StopReason struct {
	Kind      StopReasonKind
	Detection *Detection
}

// LoopPolicy selects what happens when the loop detector fires.
type LoopPolicy string

const (
	LoopPolicyIgnore LoopPolicy = "ignore"
	LoopPolicyStop   LoopPolicy = "stop"
	LoopPolicyError  LoopPolicy = "error"
)

// LimitsConfig configures the ExecutionLimits gate.
type LimitsConfig struct {
	MaxIterations      int
	MaxExecutionTime   time.Duration
	OnDetected         LoopPolicy
	BudgetExhausted    func(turn *TurnContext) bool
}

// ExecutionLimits is a middleware-shaped gate evaluated on OnAfterTurn. It
// owns a LoopDetector and checks, in order: iteration cap, wall clock,
// loop detection, external budget signal.
type ExecutionLimits struct {
	cfg          LimitsConfig
	detector     *LoopDetector
	sessionStart time.Time
}

// NewExecutionLimits builds a gate. detector may be nil if loop detection is
// disabled.
func NewExecutionLimits(cfg LimitsConfig, detector *LoopDetector) *ExecutionLimits {
	if cfg.OnDetected == "" {
		cfg.OnDetected = LoopPolicyStop
	}
	return &ExecutionLimits{cfg: cfg, detector: detector}
}

// StartSession records the session start time used for the wall-clock check.
func (e *ExecutionLimits) StartSession() {
	e.sessionStart = time.Now()
}

// Check evaluates the four gates in order and returns a StopReason, or
// nil if the turn may continue. output/toolCalls feed the loop detector;
// pass empty values if detection already ran elsewhere this turn.
func (e *ExecutionLimits) Check(turn *TurnContext, output string, toolCalls []string) *StopReason {
	if e.cfg.MaxIterations > 0 && turn.TurnNumber >= e.cfg.MaxIterations {
		return &StopReason{Kind: StopIterationLimit}
	}
	if e.cfg.MaxExecutionTime > 0 && !e.sessionStart.IsZero() {
		if time.Since(e.sessionStart) >= e.cfg.MaxExecutionTime {
			return &StopReason{Kind: StopTimeout}
		}
	}
	if e.detector != nil && e.cfg.OnDetected != LoopPolicyIgnore {
		if det := e.detector.RecordAndCheck(output, toolCalls); det != nil {
			return &StopReason{Kind: StopLoopDetected, Detection: det}
		}
	}
	if e.cfg.BudgetExhausted != nil && e.cfg.BudgetExhausted(turn) {
		return &StopReason{Kind: StopBudgetExhausted}
	}
	return nil
}
