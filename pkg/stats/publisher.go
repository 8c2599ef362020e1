// Package stats publishes scheduler snapshots to redis: every field is kept
// in one hash and a one-line summary is published on the channel of the
// same name.
package stats

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/emergingrobotics/go-vcmd/pkg/vcmd"
	"github.com/garyburd/redigo/redis"
	"github.com/jpillora/backoff"
	"github.com/platinasystems/log"
)

// DefaultKey is the hash and channel name used when none is given
const DefaultKey = "vcmd"

// Timeout bounds each redis read and write
var Timeout = 500 * time.Millisecond

// Source is anything that can produce a snapshot
type Source interface {
	Stats() vcmd.Stats
}

// Publisher writes snapshots over one redis connection
type Publisher struct {
	mu   sync.Mutex
	conn redis.Conn
	key  string
}

// NewPublisher publishes under key over conn
func NewPublisher(conn redis.Conn, key string) *Publisher {
	if key == "" {
		key = DefaultKey
	}
	return &Publisher{conn: conn, key: key}
}

// Dial connects to the redis server at addr
func Dial(addr, key string) (*Publisher, error) {
	conn, err := redis.Dial("tcp", addr,
		redis.DialConnectTimeout(Timeout),
		redis.DialReadTimeout(Timeout),
		redis.DialWriteTimeout(Timeout))
	if err != nil {
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	return NewPublisher(conn, key), nil
}

// Key returns the hash and channel name
func (p *Publisher) Key() string {
	return p.key
}

// Fields flattens st into hash fields
func Fields(st vcmd.Stats) map[string]string {
	f := map[string]string{
		"pool.free":  strconv.Itoa(st.FreeSlots),
		"pool.used":  strconv.Itoa(st.UsedSlots),
		"processes":  strconv.Itoa(st.Processes),
		"core.count": strconv.Itoa(len(st.Cores)),
	}
	for _, c := range st.Cores {
		pre := "core." + strconv.Itoa(c.ID) + "."
		f[pre+"module"] = c.Module.String()
		f[pre+"working"] = strconv.FormatBool(c.Working)
		f[pre+"aborting"] = strconv.FormatBool(c.Aborting)
		f[pre+"queued"] = strconv.Itoa(c.Queued)
		f[pre+"ready"] = strconv.FormatUint(uint64(c.Ready), 10)
		f[pre+"completed"] = strconv.FormatUint(c.Completed, 10)
		f[pre+"errors"] = strconv.FormatUint(c.Errors, 10)
		f[pre+"aborts"] = strconv.FormatUint(c.Aborts, 10)
		f[pre+"timeouts"] = strconv.FormatUint(c.Timeouts, 10)
		f[pre+"resets"] = strconv.FormatUint(c.Resets, 10)
		f[pre+"spurious"] = strconv.FormatUint(c.Spurious, 10)
	}
	return f
}

// Summary is the message published with each snapshot
func Summary(st vcmd.Stats) string {
	var completed, errs uint64
	busy := 0
	for _, c := range st.Cores {
		completed += c.Completed
		errs += c.Errors
		if c.Working {
			busy++
		}
	}
	return fmt.Sprintf("cores %d/%d busy, slots %d used %d free, %d processes, %d completed, %d errors",
		busy, len(st.Cores), st.UsedSlots, st.FreeSlots, st.Processes, completed, errs)
}

// Publish writes st to the hash and announces it, in one pipeline
func (p *Publisher) Publish(st vcmd.Stats) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, v := range Fields(st) {
		if err := p.conn.Send("HSET", p.key, k, v); err != nil {
			return err
		}
	}
	if err := p.conn.Send("PUBLISH", p.key, Summary(st)); err != nil {
		return err
	}
	if _, err := p.conn.Do(""); err != nil {
		return fmt.Errorf("publishing %s: %w", p.key, err)
	}
	return nil
}

// Run publishes a snapshot of src every interval until ctx is done.
// Failures back off up to a few intervals and are logged, not returned.
func (p *Publisher) Run(ctx context.Context, src Source, interval time.Duration) error {
	b := &backoff.Backoff{Min: interval, Max: 8 * interval, Factor: 2}
	wait := interval
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		if err := p.Publish(src.Stats()); err != nil {
			wait = b.Duration()
			log.Print("daemon", "err", fmt.Sprintf("stats: %v, retrying in %v", err, wait))
			continue
		}
		b.Reset()
		wait = interval
	}
}

// Close clears the hash and closes the connection
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, delErr := p.conn.Do("DEL", p.key)
	if err := p.conn.Close(); err != nil {
		return err
	}
	if delErr != nil {
		return fmt.Errorf("clearing %s: %w", p.key, delErr)
	}
	return nil
}
