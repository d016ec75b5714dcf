package domain

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestExpiryPolicyLive(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tests := []struct {
		name   string
		policy ExpiryPolicy
		want   bool
	}{
		{"never", Never(), true},
		{"deadline in future", Deadline(now.Add(time.Second)), true},
		{"deadline now", Deadline(now), false},
		{"deadline past", Deadline(now.Add(-time.Minute)), false},
		{"budget positive", ReadBudget(1), true},
		{"budget zero", ReadBudget(0), false},
		{"unknown mode", ExpiryPolicy{Mode: PolicyMode(42)}, false},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.policy.Live(now); got != tc.want {
				t.Fatalf("Live() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestExpiryPolicyConsume(t *testing.T) {
	p, err := ReadBudget(2).consume()
	if err != nil || p.Remaining != 1 {
		t.Fatalf("consume budget 2: %+v %v", p, err)
	}
	p, err = p.consume()
	if err != nil || p.Remaining != 0 {
		t.Fatalf("consume budget 1: %+v %v", p, err)
	}
	if _, err = p.consume(); !errors.Is(err, ErrBudgetExhausted) {
		t.Fatalf("expected ErrBudgetExhausted, got %v", err)
	}
	d := Deadline(time.Unix(100, 0))
	if got, err := d.consume(); err != nil || got != d {
		t.Fatalf("deadline consume should be a no-op: %+v %v", got, err)
	}
}

func TestExpiryRequestResolve(t *testing.T) {
	t.Parallel()
	now := time.Unix(1700000000, 0).UTC()
	limits := ExpiryLimits{MaxTTL: 24 * time.Hour, MaxReads: 10}
	tests := []struct {
		name    string
		req     ExpiryRequest
		want    ExpiryPolicy
		wantErr string
	}{
		{name: "minutes", req: ExpiryRequest{Minutes: 60}, want: Deadline(now.Add(time.Hour))},
		{name: "max reads", req: ExpiryRequest{MaxReads: 3}, want: ReadBudget(3)},
		{name: "both", req: ExpiryRequest{Minutes: 5, MaxReads: 1}, wantErr: "not both"},
		{name: "neither", req: ExpiryRequest{}, wantErr: "is required"},
		{name: "negative minutes", req: ExpiryRequest{Minutes: -1}, wantErr: "at least 1 minute"},
		{name: "negative reads", req: ExpiryRequest{MaxReads: -4}, wantErr: "at least 1"},
		{name: "minutes above max", req: ExpiryRequest{Minutes: 24*60 + 1}, wantErr: "must not exceed 1440 minutes"},
		{name: "reads above max", req: ExpiryRequest{MaxReads: 11}, wantErr: "must not exceed 10"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := tc.req.Resolve(now, limits)
			if tc.wantErr != "" {
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("expected validation error, got %v", err)
				}
				if !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("expected error containing %q, got %q", tc.wantErr, err.Error())
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("Resolve() = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestExpiryRequestUnlimited(t *testing.T) {
	p, err := ExpiryRequest{MaxReads: 1000}.Resolve(time.Now(), ExpiryLimits{})
	if err != nil {
		t.Fatalf("zero limits should not bound: %v", err)
	}
	if n, ok := p.RemainingReads(); !ok || n != 1000 {
		t.Fatalf("RemainingReads() = %d, %v", n, ok)
	}
	if _, ok := p.ExpiresAt(); ok {
		t.Fatalf("read budget policy must not report a deadline")
	}
}
