// Package liveness tracks which delegates are reachable. A delegate is live
// while the manager has heard from it within the staleness window; the check
// is made at read time, so there is no sweeper.
package liveness

import (
	"context"
	"errors"
	"sort"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/puzpuzpuz/xsync/v2"
	"github.com/raulk/clock"
	"go.opencensus.io/stats"

	"github.com/filecoin-project/dispatch/metrics"
	"github.com/filecoin-project/dispatch/taskiface"
)

var log = logging.Logger("liveness")

var ErrUnknownDelegate = errors.New("unknown delegate")

// Cache stores one immutable record per delegate; every update swaps in a
// fresh copy through the map's Compute, so readers never see partial writes.
type Cache struct {
	clk       clock.Clock
	staleness time.Duration

	delegates *xsync.MapOf[string, *taskiface.DelegateRecord]
}

func New(clk clock.Clock, staleness time.Duration) *Cache {
	return &Cache{
		clk:       clk,
		staleness: staleness,
		delegates: xsync.NewMapOf[*taskiface.DelegateRecord](),
	}
}

// Register adds a delegate or refreshes its descriptor (account, groups,
// capabilities, capacity). It counts as contact for staleness purposes.
func (c *Cache) Register(rec *taskiface.DelegateRecord) {
	now := c.clk.Now()
	in := rec.Clone()

	c.delegates.Compute(string(rec.ID), func(old *taskiface.DelegateRecord, loaded bool) (*taskiface.DelegateRecord, bool) {
		next := in.Clone()
		if loaded {
			next.LastHeartbeat = old.LastHeartbeat
			next.ActiveTasks = old.ActiveTasks
			next.PerpetualTasks = old.PerpetualTasks
			if next.Capabilities == nil {
				next.Capabilities = old.Capabilities
			}
			if next.Groups == nil {
				next.Groups = old.Groups
			}
		} else {
			log.Infow("delegate registered", "delegate", rec.ID, "account", rec.Account, "capacity", rec.Capacity)
		}
		next.LastSeen = now
		return next, false
	})
}

// RecordHeartbeat applies hb unless a heartbeat with a later SentAt has
// already been applied. It reports whether hb was applied.
func (c *Cache) RecordHeartbeat(ctx context.Context, hb taskiface.Heartbeat) (bool, error) {
	now := c.clk.Now()
	var known, applied bool

	c.delegates.Compute(string(hb.Delegate), func(old *taskiface.DelegateRecord, loaded bool) (*taskiface.DelegateRecord, bool) {
		if !loaded {
			return nil, true
		}
		known = true
		if hb.SentAt.Before(old.LastHeartbeat) {
			return old, false
		}
		applied = true
		next := old.Clone()
		next.LastHeartbeat = hb.SentAt
		next.LastSeen = now
		next.ActiveTasks = hb.ActiveTasks
		next.PerpetualTasks = append([]taskiface.PerpetualTaskID(nil), hb.PerpetualTasks...)
		return next, false
	})

	if !known {
		return false, ErrUnknownDelegate
	}
	stats.Record(ctx, metrics.HeartbeatsReceived.M(1))
	if !applied {
		stats.Record(ctx, metrics.HeartbeatsOutOfOrder.M(1))
		log.Debugw("ignoring out of order heartbeat", "delegate", hb.Delegate, "sent", hb.SentAt)
	}
	return applied, nil
}

func (c *Cache) live(d *taskiface.DelegateRecord, now time.Time) bool {
	return now.Sub(d.LastSeen) <= c.staleness
}

func (c *Cache) IsLive(id taskiface.DelegateID) bool {
	d, ok := c.delegates.Load(string(id))
	if !ok {
		return false
	}
	return c.live(d, c.clk.Now())
}

// Get returns a copy of the record, live or not.
func (c *Cache) Get(id taskiface.DelegateID) (*taskiface.DelegateRecord, bool) {
	d, ok := c.delegates.Load(string(id))
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

// ListLive returns live delegates that may serve account, sorted by id. An
// empty account returns every live delegate.
func (c *Cache) ListLive(account string) []*taskiface.DelegateRecord {
	now := c.clk.Now()
	var out []*taskiface.DelegateRecord
	c.delegates.Range(func(_ string, d *taskiface.DelegateRecord) bool {
		if c.live(d, now) && (account == "" || d.Account == account) {
			out = append(out, d.Clone())
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// All returns every known delegate with its liveness at read time.
func (c *Cache) All() ([]*taskiface.DelegateRecord, map[taskiface.DelegateID]bool) {
	now := c.clk.Now()
	var out []*taskiface.DelegateRecord
	live := map[taskiface.DelegateID]bool{}
	c.delegates.Range(func(_ string, d *taskiface.DelegateRecord) bool {
		out = append(out, d.Clone())
		live[d.ID] = c.live(d, now)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, live
}

// Forget drops delegates not heard from for longer than olderThan.
func (c *Cache) Forget(olderThan time.Duration) int {
	now := c.clk.Now()
	n := 0
	c.delegates.Range(func(k string, d *taskiface.DelegateRecord) bool {
		if now.Sub(d.LastSeen) > olderThan {
			c.delegates.Delete(k)
			n++
		}
		return true
	})
	return n
}
