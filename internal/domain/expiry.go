// Package domain expiry.go models when a secret stops being revealable.
package domain

import "time"

// PolicyMode tags the active variant of an ExpiryPolicy.
type PolicyMode uint8

const (
	// PolicyNever keeps a record live forever. Creation never produces it;
	// it exists so stores can represent records without a limit.
	PolicyNever PolicyMode = iota
	// PolicyDeadline expires a record at an absolute instant.
	PolicyDeadline
	// PolicyReadBudget expires a record once its remaining reads reach zero.
	PolicyReadBudget
)

func (m PolicyMode) String() string {
	switch m {
	case PolicyNever:
		return "never"
	case PolicyDeadline:
		return "deadline"
	case PolicyReadBudget:
		return "read_budget"
	default:
		return "unknown"
	}
}

// ExpiryPolicy is exactly one of Never, AbsoluteDeadline or ReadBudget. Only
// the field matching Mode is meaningful; use the constructors.
type ExpiryPolicy struct {
	Mode      PolicyMode
	Deadline  time.Time
	Remaining int
}

// Never returns a policy that never expires.
func Never() ExpiryPolicy { return ExpiryPolicy{Mode: PolicyNever} }

// Deadline returns a policy expiring at t.
func Deadline(t time.Time) ExpiryPolicy { return ExpiryPolicy{Mode: PolicyDeadline, Deadline: t.UTC()} }

// ReadBudget returns a policy allowing n more successful reveals.
func ReadBudget(n int) ExpiryPolicy { return ExpiryPolicy{Mode: PolicyReadBudget, Remaining: n} }

// Live reports whether a record under this policy may still be revealed at now.
func (p ExpiryPolicy) Live(now time.Time) bool {
	switch p.Mode {
	case PolicyNever:
		return true
	case PolicyDeadline:
		return now.Before(p.Deadline)
	case PolicyReadBudget:
		return p.Remaining > 0
	default:
		return false
	}
}

// consume returns the policy after one successful read.
func (p ExpiryPolicy) consume() (ExpiryPolicy, error) {
	if p.Mode != PolicyReadBudget {
		return p, nil
	}
	if p.Remaining <= 0 {
		return p, ErrBudgetExhausted
	}
	p.Remaining--
	return p, nil
}

// ExpiresAt returns the deadline for PolicyDeadline records.
func (p ExpiryPolicy) ExpiresAt() (time.Time, bool) {
	if p.Mode != PolicyDeadline {
		return time.Time{}, false
	}
	return p.Deadline, true
}

// RemainingReads returns the budget for PolicyReadBudget records.
func (p ExpiryPolicy) RemainingReads() (int, bool) {
	if p.Mode != PolicyReadBudget {
		return 0, false
	}
	return p.Remaining, true
}

// ExpiryRequest is the caller-supplied expiry choice at creation time. Zero
// means "not set"; exactly one field must be set.
type ExpiryRequest struct {
	Minutes  int
	MaxReads int
}

// ExpiryLimits bounds what an ExpiryRequest may ask for. Zero disables a bound.
type ExpiryLimits struct {
	MaxTTL   time.Duration
	MaxReads int
}

// Resolve turns the request into a policy evaluated against now. Both or
// neither fields set, or out-of-range values, yield a ValidationError.
func (r ExpiryRequest) Resolve(now time.Time, limits ExpiryLimits) (ExpiryPolicy, error) {
	hasTTL := r.Minutes != 0
	hasReads := r.MaxReads != 0
	switch {
	case hasTTL && hasReads:
		return ExpiryPolicy{}, Invalid("choose either an expiry in minutes or a maximum number of reads, not both")
	case !hasTTL && !hasReads:
		return ExpiryPolicy{}, Invalid("an expiry in minutes or a maximum number of reads is required")
	case hasTTL:
		if r.Minutes < 1 {
			return ExpiryPolicy{}, Invalid("expiry must be at least 1 minute")
		}
		ttl := time.Duration(r.Minutes) * time.Minute
		if limits.MaxTTL > 0 && ttl > limits.MaxTTL {
			return ExpiryPolicy{}, Invalid("expiry must not exceed %d minutes", int(limits.MaxTTL/time.Minute))
		}
		return Deadline(now.Add(ttl)), nil
	default:
		if r.MaxReads < 1 {
			return ExpiryPolicy{}, Invalid("max reads must be at least 1")
		}
		if limits.MaxReads > 0 && r.MaxReads > limits.MaxReads {
			return ExpiryPolicy{}, Invalid("max reads must not exceed %d", limits.MaxReads)
		}
		return ReadBudget(r.MaxReads), nil
	}
}
