// Package redisstore provides a Redis implementation of triage.Store.
//
// Layout under the configured prefix:
//
//	alert:{id}       JSON alert
//	audit:{id}       list of JSON audit entries, seq order
//	subject:{ref}    ID of the subject's non-closed alert
//	closed:{ref}     ID of the subject's most recently closed alert
//	alerts           set of every alert ID
//	armed            sorted set of armed alert IDs scored by deadline (unix micros)
//
// Writes run under WATCH so a concurrent writer aborts the transaction.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/lifeline/internal/triage"
)

// Config configures the Redis backend.
type Config struct {
	// URL is a redis:// or rediss:// connection URL.
	URL string
	// Prefix is prepended to every key.
	Prefix string
	// Timeout bounds each store call.
	Timeout time.Duration
}

// Store persists alerts in Redis.
type Store struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

// New connects, pings, and returns a ready Store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "lifeline:"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	client := redis.NewClient(opts)
	pctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Store{client: client, prefix: cfg.Prefix, timeout: cfg.Timeout}, nil
}

// Close releases the client's connections.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping reports whether Redis is reachable; used for readiness.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

func (s *Store) alertKey(id string) string    { return s.prefix + "alert:" + id }
func (s *Store) auditKey(id string) string    { return s.prefix + "audit:" + id }
func (s *Store) subjectKey(ref string) string { return s.prefix + "subject:" + ref }
func (s *Store) closedKey(ref string) string  { return s.prefix + "closed:" + ref }
func (s *Store) alertsKey() string            { return s.prefix + "alerts" }
func (s *Store) armedKey() string             { return s.prefix + "armed" }

func deadlineScore(t time.Time) float64 { return float64(t.UnixMicro()) }

// Get retrieves an alert by ID.
func (s *Store) Get(ctx context.Context, id string) (*triage.Alert, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	a, err := readAlert(ctx, s.client, s.alertKey(id))
	if err != nil {
		return nil, false, triage.NewStorageError("get", err)
	}
	return a, a != nil, nil
}

// GetOpenBySubject returns the subject's non-closed alert.
func (s *Store) GetOpenBySubject(ctx context.Context, subjectRef string) (*triage.Alert, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	id, err := s.client.Get(ctx, s.subjectKey(subjectRef)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, triage.NewStorageError("get by subject", err)
	}
	a, err := readAlert(ctx, s.client, s.alertKey(id))
	if err != nil {
		return nil, false, triage.NewStorageError("get by subject", err)
	}
	return a, a != nil, nil
}

// LastClosedBySubject returns the subject's most recently closed alert.
func (s *Store) LastClosedBySubject(ctx context.Context, subjectRef string) (*triage.Alert, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	id, err := s.client.Get(ctx, s.closedKey(subjectRef)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, triage.NewStorageError("get closed by subject", err)
	}
	a, err := readAlert(ctx, s.client, s.alertKey(id))
	if err != nil {
		return nil, false, triage.NewStorageError("get closed by subject", err)
	}
	return a, a != nil, nil
}

// Create stores a new alert at version 1 with its first audit entry.
func (s *Store) Create(ctx context.Context, a *triage.Alert, entry *triage.AuditEntry) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := checkEntry(a, entry, 0); err != nil {
		return triage.NewStorageError("create", err)
	}
	stored := a.Clone()
	stored.Version = 1
	alertJSON, err := json.Marshal(stored)
	if err != nil {
		return triage.NewStorageError("create", fmt.Errorf("marshal alert: %w", err))
	}
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return triage.NewStorageError("create", fmt.Errorf("marshal audit entry: %w", err))
	}

	subjKey := s.subjectKey(a.SubjectRef)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, subjKey).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return triage.ErrSubjectHasOpenAlert
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.alertKey(a.ID), alertJSON, 0)
			pipe.RPush(ctx, s.auditKey(a.ID), entryJSON)
			pipe.Set(ctx, subjKey, a.ID, 0)
			pipe.SAdd(ctx, s.alertsKey(), a.ID)
			if a.EscalationDeadline != nil {
				pipe.ZAdd(ctx, s.armedKey(), redis.Z{Score: deadlineScore(*a.EscalationDeadline), Member: a.ID})
			}
			return nil
		})
		return err
	}, subjKey)

	switch {
	case err == nil:
		a.Version = 1
		return nil
	case errors.Is(err, triage.ErrSubjectHasOpenAlert):
		return err
	case errors.Is(err, redis.TxFailedErr):
		// another writer touched the subject between our check and commit
		return triage.ErrSubjectHasOpenAlert
	default:
		return triage.NewStorageError("create", err)
	}
}

// Save replaces the alert if the stored version matches, appending entry in
// the same MULTI block.
func (s *Store) Save(ctx context.Context, a *triage.Alert, expectedVersion int64, entry *triage.AuditEntry) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	key := s.alertKey(a.ID)
	subjKey := s.subjectKey(a.SubjectRef)
	var next *triage.Alert

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := readAlert(ctx, tx, key)
		if err != nil {
			return err
		}
		if cur == nil {
			return fmt.Errorf("alert %s: %w", a.ID, triage.ErrNotFound)
		}
		if cur.Version != expectedVersion {
			return &triage.VersionConflictError{AlertID: a.ID, Expected: expectedVersion, Actual: cur.Version}
		}
		if err := checkEntry(a, entry, cur.AuditSeq); err != nil {
			return triage.NewStorageError("save", err)
		}

		next = a.Clone()
		next.Version = expectedVersion + 1
		alertJSON, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal alert: %w", err)
		}
		entryJSON, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal audit entry: %w", err)
		}

		owner, err := tx.Get(ctx, subjKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, alertJSON, 0)
			pipe.RPush(ctx, s.auditKey(a.ID), entryJSON)
			if next.EscalationDeadline != nil && next.Status.Armed() {
				pipe.ZAdd(ctx, s.armedKey(), redis.Z{Score: deadlineScore(*next.EscalationDeadline), Member: a.ID})
			} else {
				pipe.ZRem(ctx, s.armedKey(), a.ID)
			}
			if next.Status == triage.StatusClosed {
				if owner == a.ID {
					pipe.Del(ctx, subjKey)
				}
				pipe.Set(ctx, s.closedKey(a.SubjectRef), a.ID, 0)
			}
			return nil
		})
		return err
	}, key, subjKey)

	if err == nil {
		a.Version = next.Version
		return nil
	}

	var vc *triage.VersionConflictError
	var se *triage.StorageError
	switch {
	case errors.As(err, &vc), errors.As(err, &se), errors.Is(err, triage.ErrNotFound):
		return err
	case errors.Is(err, redis.TxFailedErr):
		return s.conflictAfterAbort(ctx, a.ID, expectedVersion)
	default:
		return triage.NewStorageError("save", err)
	}
}

// conflictAfterAbort reports the version that beat an aborted transaction.
func (s *Store) conflictAfterAbort(ctx context.Context, id string, expected int64) error {
	cur, err := readAlert(ctx, s.client, s.alertKey(id))
	if err != nil {
		return triage.NewStorageError("save", err)
	}
	actual := expected + 1
	if cur != nil {
		actual = cur.Version
	}
	return &triage.VersionConflictError{AlertID: id, Expected: expected, Actual: actual}
}

// Audit returns the alert's audit stream in seq order.
func (s *Store) Audit(ctx context.Context, alertID string) ([]triage.AuditEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	raw, err := s.client.LRange(ctx, s.auditKey(alertID), 0, -1).Result()
	if err != nil {
		return nil, triage.NewStorageError("audit", err)
	}
	out := make([]triage.AuditEntry, 0, len(raw))
	for _, r := range raw {
		var e triage.AuditEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			return nil, triage.NewStorageError("audit", fmt.Errorf("unmarshal audit entry: %w", err))
		}
		out = append(out, e)
	}
	return out, nil
}

// List returns matching alerts, soonest deadline first. It scans every alert;
// the admin surface is low volume.
func (s *Store) List(ctx context.Context, f triage.Filter) ([]*triage.Alert, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ids, err := s.client.SMembers(ctx, s.alertsKey()).Result()
	if err != nil {
		return nil, triage.NewStorageError("list", err)
	}
	alerts, err := s.readMany(ctx, ids)
	if err != nil {
		return nil, triage.NewStorageError("list", err)
	}

	out := alerts[:0]
	for _, a := range alerts {
		if f.Match(a) {
			out = append(out, a)
		}
	}
	triage.SortAlerts(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// ListDue returns armed alerts whose deadline is at or before now.
func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]*triage.Alert, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	by := &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(now.UnixMicro(), 10)}
	if limit > 0 {
		by.Count = int64(limit)
	}
	ids, err := s.client.ZRangeByScore(ctx, s.armedKey(), by).Result()
	if err != nil {
		return nil, triage.NewStorageError("list due", err)
	}
	alerts, err := s.readMany(ctx, ids)
	if err != nil {
		return nil, triage.NewStorageError("list due", err)
	}

	out := alerts[:0]
	for _, a := range alerts {
		// the index may briefly lag a concurrent write; the alert record decides
		if a.Status.Armed() && a.EscalationDeadline != nil && !a.EscalationDeadline.After(now) {
			out = append(out, a)
		}
	}
	triage.SortAlerts(out)
	return out, nil
}

func (s *Store) readMany(ctx context.Context, ids []string) ([]*triage.Alert, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.alertKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*triage.Alert, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var a triage.Alert
		if err := json.Unmarshal([]byte(str), &a); err != nil {
			return nil, fmt.Errorf("unmarshal alert %s: %w", ids[i], err)
		}
		out = append(out, &a)
	}
	return out, nil
}

// readAlert loads one alert. Returns (nil, nil) when the key is absent.
func readAlert(ctx context.Context, c redis.Cmdable, key string) (*triage.Alert, error) {
	b, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var a triage.Alert
	if err := json.Unmarshal(b, &a); err != nil {
		return nil, fmt.Errorf("unmarshal alert: %w", err)
	}
	return &a, nil
}

func checkEntry(a *triage.Alert, entry *triage.AuditEntry, storedSeq int64) error {
	if entry == nil {
		return fmt.Errorf("alert %s: missing audit entry", a.ID)
	}
	if entry.AlertID != a.ID || entry.Seq != storedSeq+1 || a.AuditSeq != entry.Seq {
		return fmt.Errorf("alert %s: audit seq %d does not follow %d", a.ID, entry.Seq, storedSeq)
	}
	return nil
}
