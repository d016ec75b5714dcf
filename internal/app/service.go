// Package app contains the application orchestration layer for lockbox. It
// wires domain validation, the envelope and persistence ports without
// performing any I/O itself.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/haukened/lockbox/internal/domain"
	"github.com/haukened/lockbox/internal/metrics"
)

// ErrSizeExceeded indicates the payload exceeds the configured maximum.
var ErrSizeExceeded = &domain.ValidationError{Reason: "payload exceeds maximum size"}

// Service is the consumption engine: it creates sealed secrets and reveals
// them while enforcing expiry and read budgets.
type Service struct {
	Store    SecretStore
	Catalog  Catalog
	Clock    Clock
	Crypter  Crypter
	Metrics  Recorder // optional
	MaxBytes int64    // 0 disables the size check
	Limits   domain.ExpiryLimits
}

// CreateRequest carries everything needed to deposit a secret.
type CreateRequest struct {
	Payload  []byte
	Kind     domain.Kind
	Password string
	Expiry   domain.ExpiryRequest
}

// Revealed is the opened payload plus how to interpret it.
type Revealed struct {
	Payload []byte
	Kind    domain.Kind
}

func (s *Service) recorder() Recorder {
	if s.Metrics == nil {
		return nopRecorder{}
	}
	return s.Metrics
}

// CreateSecret validates the request, seals the payload and persists a fresh
// record with a zero read count. Validation failures happen before any
// cryptographic or storage work.
func (s *Service) CreateSecret(ctx context.Context, req CreateRequest) (domain.SecretID, error) {
	if err := s.validateCreate(req); err != nil {
		return "", err
	}
	now := s.Clock.Now().UTC()
	policy, err := req.Expiry.Resolve(now, s.Limits)
	if err != nil {
		return "", err
	}
	env, err := s.Crypter.Seal(req.Payload, req.Password)
	if err != nil {
		return "", fmt.Errorf("seal secret: %w", err)
	}
	id, err := domain.NewID()
	if err != nil { // extremely unlikely, but propagate
		return "", err
	}
	rec := &domain.SecretRecord{
		ID:        id,
		Envelope:  env,
		Kind:      req.Kind,
		CreatedAt: now,
		Policy:    policy,
	}
	if err := s.Store.Put(ctx, rec); err != nil {
		return "", domain.StoreFailure(err)
	}
	s.recorder().Inc(metrics.CounterSecretsCreated, 1)
	return id, nil
}

func (s *Service) validateCreate(req CreateRequest) error {
	if !req.Kind.Valid() {
		return domain.Invalid("payload must be either text or a file")
	}
	if req.Password == "" {
		return domain.Invalid("password is required")
	}
	if req.Kind.Tag == domain.KindText && len(req.Payload) == 0 {
		return domain.Invalid("secret text is required")
	}
	if s.MaxBytes > 0 && int64(len(req.Payload)) > s.MaxBytes {
		return ErrSizeExceeded
	}
	return nil
}

// Reveal opens the secret identified by idStr with password and consumes one
// read. Malformed, absent and expired ids all yield domain.ErrNotFound; a wrong
// password yields domain.ErrAuthentication and leaves the record untouched.
// The plaintext is returned only after the new counters are committed.
func (s *Service) Reveal(ctx context.Context, idStr, password string) (Revealed, error) {
	id, err := domain.ParseID(idStr)
	if err != nil {
		// A malformed id can never exist; answer it like an unknown one.
		return Revealed{}, s.revealFailure(domain.ErrNotFound)
	}
	if password == "" {
		return Revealed{}, domain.Invalid("password is required")
	}

	// Cheap unlocked check first so dead records never take the id lock.
	// Transact re-checks liveness either way.
	if pr, ok := s.Store.(PolicyReader); ok {
		policy, err := pr.Policy(ctx, id)
		if err != nil {
			return Revealed{}, s.revealFailure(err)
		}
		if !policy.Live(s.Clock.Now()) {
			return Revealed{}, s.revealFailure(domain.ErrNotFound)
		}
	}

	var out Revealed
	err = s.Store.Transact(ctx, id, func(rec *domain.SecretRecord) error {
		if !rec.Live(s.Clock.Now()) {
			return domain.ErrNotFound
		}
		plaintext, err := s.Crypter.Open(rec.Envelope, password)
		if err != nil {
			return err
		}
		if err := rec.RecordRead(); err != nil {
			return err
		}
		out = Revealed{Payload: plaintext, Kind: rec.Kind}
		return nil
	})
	if err != nil {
		return Revealed{}, s.revealFailure(err)
	}
	s.recorder().Inc(metrics.CounterSecretsRevealed, 1)
	return out, nil
}

// revealFailure normalises err into the reveal taxonomy and counts it.
func (s *Service) revealFailure(err error) error {
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrBudgetExhausted):
		s.recorder().Inc(metrics.CounterRevealNotFound, 1)
		return domain.ErrNotFound
	case errors.Is(err, domain.ErrAuthentication):
		s.recorder().Inc(metrics.CounterRevealAuthFailed, 1)
		return domain.ErrAuthentication
	default:
		return domain.StoreFailure(err)
	}
}

// ListSecrets returns non-sensitive summaries of every record, newest first.
func (s *Service) ListSecrets(ctx context.Context) ([]domain.Summary, error) {
	out, err := s.Catalog.List(ctx, s.Clock.Now())
	if err != nil {
		return nil, domain.StoreFailure(err)
	}
	return out, nil
}

// CountLive returns the number of currently revealable records.
func (s *Service) CountLive(ctx context.Context) (int, error) {
	n, err := s.Catalog.CountLive(ctx, s.Clock.Now())
	if err != nil {
		return 0, domain.StoreFailure(err)
	}
	return n, nil
}
