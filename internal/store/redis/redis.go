// Package redis provides a Redis-backed implementation of the secret store
// ports so several vault processes can share one record set.
//
// Each record is a JSON document under lockbox:secret:<id>. A sorted set
// scored by creation time indexes the ids for listing. Transact uses
// WATCH/MULTI so a concurrent writer on another process aborts the commit
// and the callback is retried.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/haukened/lockbox/internal/app"
	"github.com/haukened/lockbox/internal/domain"
	"github.com/haukened/lockbox/internal/store"
)

const (
	keyPrefix = "lockbox:secret:"
	indexKey  = "lockbox:secrets"

	// retention keeps deadline records readable by the catalog for a while
	// after they stop being live.
	retention = 24 * time.Hour

	defaultMaxAttempts = 5
)

var (
	_ app.SecretStore = (*Store)(nil)
	_ app.Catalog     = (*Store)(nil)
)

// Store implements app.SecretStore and app.Catalog on a go-redis client.
type Store struct {
	client      goredis.UniversalClient
	maxAttempts int
}

// New wraps an existing client. The caller owns the client unless Close is
// called.
func New(client goredis.UniversalClient) *Store {
	return &Store{client: client, maxAttempts: defaultMaxAttempts}
}

// Dial connects to addr and verifies the connection with PING.
func Dial(ctx context.Context, addr, password string, db int) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr, Password: password, DB: db})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return New(client), nil
}

// Ping reports whether the server is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

// Close releases the underlying client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) Put(ctx context.Context, rec *domain.SecretRecord) error {
	if !rec.ID.Valid() {
		return domain.ErrInvalidID
	}
	data, err := encode(rec)
	if err != nil {
		return err
	}
	key := secretKey(rec.ID.String())
	ok, err := s.client.SetNX(ctx, key, data, ttlFor(rec)).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("secret %s already exists", rec.ID)
	}
	err = s.client.ZAdd(ctx, indexKey, goredis.Z{
		Score:  float64(rec.CreatedAt.UnixMilli()),
		Member: rec.ID.String(),
	}).Err()
	if err != nil {
		// An unindexed record would be invisible to List and CountLive.
		if derr := s.client.Del(context.WithoutCancel(ctx), key).Err(); derr != nil {
			return fmt.Errorf("index secret: %w (cleanup: %v)", err, derr)
		}
		return fmt.Errorf("index secret: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id domain.SecretID) (*domain.SecretRecord, error) {
	data, err := s.client.Get(ctx, secretKey(id.String())).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return decode(data)
}

// Transact retries fn until the watched key commits unchanged or attempts
// run out.
func (s *Store) Transact(ctx context.Context, id domain.SecretID, fn app.TxFunc) error {
	key := secretKey(id.String())
	txf := func(tx *goredis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				return domain.ErrNotFound
			}
			return err
		}
		rec, err := decode(data)
		if err != nil {
			return err
		}
		prev := rec.ReadCount
		if err := fn(rec); err != nil {
			return err
		}
		if rec.ReadCount < prev {
			return errors.New("read count must not decrease")
		}
		next, err := encode(rec)
		if err != nil {
			return err
		}
		ttl := tx.PTTL(ctx, key).Val()
		if ttl < 0 {
			ttl = 0
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, next, ttl)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return err
	}
	return store.ErrConflict
}

// List returns summaries newest first. Index entries whose key has expired
// are pruned as they are found.
func (s *Store) List(ctx context.Context, now time.Time) ([]domain.Summary, error) {
	recs, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Summary, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Summarize(now))
	}
	return out, nil
}

func (s *Store) CountLive(ctx context.Context, now time.Time) (int, error) {
	recs, err := s.scan(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range recs {
		if rec.Live(now) {
			n++
		}
	}
	return n, nil
}

func (s *Store) scan(ctx context.Context) ([]*domain.SecretRecord, error) {
	ids, err := s.client.ZRevRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = secretKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	var (
		recs  []*domain.SecretRecord
		stale []any
	)
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		rec, err := decode([]byte(str))
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if len(stale) > 0 {
		_ = s.client.ZRem(ctx, indexKey, stale...).Err() // best-effort
	}
	return recs, nil
}

func secretKey(id string) string { return keyPrefix + id }

// ttlFor returns the key expiry for rec; zero means no expiry.
func ttlFor(rec *domain.SecretRecord) time.Duration {
	deadline, ok := rec.Policy.ExpiresAt()
	if !ok {
		return 0
	}
	ttl := deadline.Sub(rec.CreatedAt) + retention
	if ttl < retention {
		ttl = retention
	}
	return ttl
}

// document is the stored JSON shape of a record.
type document struct {
	ID          string     `json:"id"`
	Ciphertext  []byte     `json:"ciphertext"`
	Salt        []byte     `json:"salt"`
	Nonce       []byte     `json:"nonce"`
	Kind        string     `json:"kind"`
	Filename    string     `json:"filename,omitempty"`
	ContentType string     `json:"content_type,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	Policy      string     `json:"policy"`
	Deadline    *time.Time `json:"deadline,omitempty"`
	Remaining   *int       `json:"remaining_reads,omitempty"`
	ReadCount   int        `json:"read_count"`
}

func encode(rec *domain.SecretRecord) ([]byte, error) {
	doc := document{
		ID:          rec.ID.String(),
		Ciphertext:  rec.Envelope.Ciphertext,
		Salt:        rec.Envelope.Salt,
		Nonce:       rec.Envelope.Nonce,
		Kind:        rec.Kind.Tag.String(),
		Filename:    rec.Kind.Filename,
		ContentType: rec.Kind.ContentType,
		CreatedAt:   rec.CreatedAt,
		Policy:      rec.Policy.Mode.String(),
		ReadCount:   rec.ReadCount,
	}
	if t, ok := rec.Policy.ExpiresAt(); ok {
		doc.Deadline = &t
	}
	if n, ok := rec.Policy.RemainingReads(); ok {
		doc.Remaining = &n
	}
	return json.Marshal(doc)
}

func decode(data []byte) (*domain.SecretRecord, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	id, err := domain.ParseID(doc.ID)
	if err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	tag, ok := domain.ParseKindTag(doc.Kind)
	if !ok {
		return nil, fmt.Errorf("decode record: unknown kind %q", doc.Kind)
	}
	rec := &domain.SecretRecord{
		ID:        id,
		Envelope:  domain.Envelope{Ciphertext: doc.Ciphertext, Salt: doc.Salt, Nonce: doc.Nonce},
		Kind:      domain.Kind{Tag: tag, Filename: doc.Filename, ContentType: doc.ContentType},
		CreatedAt: doc.CreatedAt.UTC(),
		ReadCount: doc.ReadCount,
	}
	switch {
	case doc.Deadline != nil:
		rec.Policy = domain.Deadline(*doc.Deadline)
	case doc.Remaining != nil:
		rec.Policy = domain.ReadBudget(*doc.Remaining)
	default:
		rec.Policy = domain.Never()
	}
	return rec, nil
}
