package budget

import (
	"fmt"
	"strings"
	"time"
)

// Kind is what the caller should do with a candidate URL.
type Kind int

// Decision kinds.
const (
	Continue Kind = iota
	Throttle
	Stop
)

func (k Kind) String() string {
	switch k {
	case Throttle:
		return "throttle"
	case Stop:
		return "stop"
	default:
		return "continue"
	}
}

// Scope says how far a Stop or Throttle reaches.
type Scope int

// Decision scopes. Entry applies to the single candidate only.
const (
	ScopeGlobal Scope = iota
	ScopeHost
	ScopeSession
	ScopeEntry
)

func (s Scope) String() string {
	switch s {
	case ScopeHost:
		return "host"
	case ScopeSession:
		return "session"
	case ScopeEntry:
		return "entry"
	default:
		return "global"
	}
}

// Decision is the budget verdict for one candidate.
type Decision struct {
	Kind   Kind
	Scope  Scope
	Reason string
	Delay  time.Duration
}

// Terminal reports whether the decision ends the whole crawl.
func (d Decision) Terminal() bool {
	return d.Kind == Stop && d.Scope == ScopeGlobal
}

func proceed() Decision {
	return Decision{Kind: Continue}
}

func stop(scope Scope, format string, args ...any) Decision {
	return Decision{Kind: Stop, Scope: scope, Reason: fmt.Sprintf(format, args...)}
}

func throttle(scope Scope, delay time.Duration, reason string) Decision {
	return Decision{Kind: Throttle, Scope: scope, Reason: reason, Delay: delay}
}

// Mode selects how host failures are handled.
type Mode int

// Enforcement modes.
const (
	Strict Mode = iota
	Adaptive
)

func (m Mode) String() string {
	if m == Adaptive {
		return "adaptive"
	}
	return "strict"
}

// ParseMode maps a configuration string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "strict":
		return Strict, nil
	case "adaptive":
		return Adaptive, nil
	default:
		return Strict, fmt.Errorf("unknown enforcement mode %q", s)
	}
}
