package types

import (
	"fmt"
	"runtime/debug"
)

// RerunScope classifies which phase of a case an error escaped from. Rerun
// policies match on it to decide whether a retry is worthwhile.
type RerunScope int

const (
	ScopeSetup RerunScope = 1 << iota
	ScopeMethod
	ScopeTeardown
)

func (s RerunScope) String() string {
	switch s {
	case ScopeSetup:
		return "setup"
	case ScopeMethod:
		return "method"
	case ScopeTeardown:
		return "teardown"
	}
	return fmt.Sprintf("scope(%d)", int(s))
}

// RerunWhen selects which outcomes trigger a retry.
type RerunWhen int

const (
	WhenFailed RerunWhen = 1 << iota
	WhenErroneous
)

// RerunPolicy is the declarative retry policy attached to a case
// descriptor. Retry counts attempts beyond the first run.
type RerunPolicy struct {
	Retry  int        `json:"retry"`
	Scope  RerunScope `json:"scope,omitempty"`
	When   RerunWhen  `json:"when,omitempty"`
	Remark Status     `json:"remark,omitempty"`
}

// Matches reports whether a finished record qualifies for a retry under
// this policy.
func (p *RerunPolicy) Matches(status Status, scope RerunScope) bool {
	when := p.When
	if when == 0 {
		when = WhenFailed
	}
	pscope := p.Scope
	if pscope == 0 {
		pscope = ScopeMethod
	}
	switch status {
	case StatusFailed:
		if when&WhenFailed == 0 {
			return false
		}
	case StatusErroneous:
		if when&WhenErroneous == 0 {
			return false
		}
	default:
		return false
	}
	return pscope&scope != 0
}

// ErrorInfo is the serializable description of an error captured during a
// run: type name, message, stack trace and the phase it escaped from.
type ErrorInfo struct {
	Type    string     `json:"type,omitempty"`
	Message string     `json:"message,omitempty"`
	Trace   string     `json:"trace,omitempty"`
	Scope   RerunScope `json:"scope,omitempty"`
}

// NewErrorInfo captures err together with the current stack.
func NewErrorInfo(err error, scope RerunScope) *ErrorInfo {
	if err == nil {
		return nil
	}
	return &ErrorInfo{
		Type:    fmt.Sprintf("%T", err),
		Message: err.Error(),
		Trace:   fmt.Sprintf("%v\n%s", err, debug.Stack()),
		Scope:   scope,
	}
}

func (e *ErrorInfo) String() string {
	if e == nil {
		return ""
	}
	if e.Trace != "" {
		return e.Trace
	}
	return e.Message
}
