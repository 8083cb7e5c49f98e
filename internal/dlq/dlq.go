// Package dlq stores messages that could not be delivered and replays them on
// request.
//
// Records live in the audit database under one top-level bucket,
// "undelivered", with a nested bucket per destination endpoint (lower-cased).
// Keys are the record's ULID so a cursor walks them oldest first.
//
//   - Peek:   read (but don't remove) the oldest N records for an endpoint.
//   - Drain:  remove and return the oldest N records.
//   - Replay: redeliver records; each is deleted only after a successful
//     delivery.
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/sneh-joshi/vsmbus/internal/node"
	"github.com/sneh-joshi/vsmbus/internal/types"
)

var bucketRoot = []byte("undelivered")

// Record is one dead-lettered delivery.
type Record struct {
	ID       string         `json:"id"`
	Endpoint types.Endpoint `json:"endpoint"`
	Message  types.Message  `json:"message"`
	Reason   string         `json:"reason"`
	FailedAt time.Time      `json:"failed_at"`
	Attempts int            `json:"attempts"`
}

// Deliverer redelivers one message. It matches algedonic.Deliverer.
type Deliverer interface {
	Deliver(ctx context.Context, to types.Endpoint, msg types.Message) error
}

// Queue is the dead-letter store. Safe for concurrent use; bbolt serialises
// writers.
type Queue struct {
	db  *bbolt.DB
	now func() time.Time
}

// New prepares the dead-letter bucket in db.
func New(db *bbolt.DB) (*Queue, error) {
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRoot)
		return err
	}); err != nil {
		return nil, fmt.Errorf("dlq: init bucket: %w", err)
	}
	return &Queue{db: db, now: time.Now}, nil
}

func endpointKey(ep types.Endpoint) []byte {
	return []byte(strings.ToLower(string(ep)))
}

// Put records a failed delivery of msg to ep.
func (q *Queue) Put(ep types.Endpoint, msg types.Message, reason string) (Record, error) {
	id, err := node.NewID()
	if err != nil {
		return Record{}, fmt.Errorf("dlq: put: %w", err)
	}
	rec := Record{
		ID:       id,
		Endpoint: ep,
		Message:  msg.Clone(),
		Reason:   reason,
		FailedAt: q.now().UTC(),
		Attempts: 1,
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("dlq: put: encode: %w", err)
	}
	err = q.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(bucketRoot).CreateBucketIfNotExists(endpointKey(ep))
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.ID), val)
	})
	if err != nil {
		return Record{}, fmt.Errorf("dlq: put %s: %w", ep, err)
	}
	return rec, nil
}

// Peek returns up to limit records for ep, oldest first, without removing
// them. A limit <= 0 returns everything.
func (q *Queue) Peek(ep types.Endpoint, limit int) ([]Record, error) {
	var out []Record
	err := q.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRoot).Bucket(endpointKey(ep))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil && (limit <= 0 || len(out) < limit); k, v = c.Next() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode %s: %w", k, err)
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dlq: peek %s: %w", ep, err)
	}
	return out, nil
}

// Drain removes and returns up to limit records for ep, oldest first.
func (q *Queue) Drain(ep types.Endpoint, limit int) ([]Record, error) {
	var out []Record
	err := q.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRoot).Bucket(endpointKey(ep))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil && (limit <= 0 || len(out) < limit); k, v = c.Next() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode %s: %w", k, err)
			}
			out = append(out, rec)
		}
		for _, rec := range out {
			if err := b.Delete([]byte(rec.ID)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dlq: drain %s: %w", ep, err)
	}
	return out, nil
}

// Replay redelivers up to limit records for ep through d. A record is deleted
// only after d accepts it; a failed attempt bumps its Attempts and keeps it.
// Returns the number of records delivered.
func (q *Queue) Replay(ctx context.Context, ep types.Endpoint, limit int, d Deliverer) (int, error) {
	recs, err := q.Peek(ep, limit)
	if err != nil {
		return 0, fmt.Errorf("dlq: replay: %w", err)
	}

	replayed := 0
	var failed []error
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}
		if derr := d.Deliver(ctx, rec.Endpoint, rec.Message); derr != nil {
			rec.Attempts++
			rec.Reason = derr.Error()
			if uerr := q.update(rec); uerr != nil {
				failed = append(failed, uerr)
			}
			continue
		}
		if rerr := q.remove(ep, rec.ID); rerr != nil {
			failed = append(failed, rerr)
			continue
		}
		replayed++
	}
	if len(failed) > 0 {
		return replayed, fmt.Errorf("dlq: replay %s: %w", ep, errors.Join(failed...))
	}
	return replayed, nil
}

// Len returns the number of records held for ep.
func (q *Queue) Len(ep types.Endpoint) int {
	n := 0
	_ = q.db.View(func(tx *bbolt.Tx) error {
		if b := tx.Bucket(bucketRoot).Bucket(endpointKey(ep)); b != nil {
			n = b.Stats().KeyN
		}
		return nil
	})
	return n
}

// Endpoints lists every endpoint with at least one record, with its count.
func (q *Queue) Endpoints() (map[string]int, error) {
	out := make(map[string]int)
	err := q.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketRoot)
		return root.ForEach(func(k, v []byte) error {
			if v != nil {
				return nil // not a nested bucket
			}
			if n := root.Bucket(k).Stats().KeyN; n > 0 {
				out[string(k)] = n
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("dlq: endpoints: %w", err)
	}
	return out, nil
}

func (q *Queue) update(rec Record) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return q.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRoot).Bucket(endpointKey(rec.Endpoint))
		if b == nil {
			return nil
		}
		return b.Put([]byte(rec.ID), val)
	})
}

func (q *Queue) remove(ep types.Endpoint, id string) error {
	return q.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRoot).Bucket(endpointKey(ep))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(id))
	})
}
