// Package opcache memoizes operation results by content-addressed key and
// tracks their status in the shared kv.Store.
//
// Each operation key owns four string values, all expiring after the
// retention TTL:
//
//	operation_<key>_status    PENDING | IN_PROGRESS | COMPLETED | FAILED
//	operation_<key>_progress  0.0 .. 1.0
//	operation_<key>_message   failure text
//	operation_<key>_output    {"output_files": [...]}, only once COMPLETED
//
// Submit is the only way into IN_PROGRESS, and it is a compare-and-swap, so
// at most one submission of an operation is ever in flight.
package opcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	perrors "github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"

	"github.com/Norgate-AV/fitscache/internal/kv"
)

const (
	// DefaultTTL is how long operation state is retained (30 days)
	DefaultTTL = 30 * 24 * time.Hour

	// MaxReportedProgress caps progress written before the output exists
	MaxReportedProgress = 0.99

	defaultMemoSize = 1024
	defaultMemoTTL  = 10 * time.Minute
)

// Enqueuer hands a started invocation to the workers
type Enqueuer interface {
	Enqueue(ctx context.Context, inv *Invocation) error
}

// Options configures a Cache. Zero values take the defaults.
type Options struct {
	TTL time.Duration

	// MemoSize and MemoTTL bound the in-process memo of completed outputs
	MemoSize int
	MemoTTL  time.Duration
}

// State is a snapshot of one operation
type State struct {
	Key      string  `json:"key"`
	Status   Status  `json:"status"`
	Progress float64 `json:"progress"`
	Message  string  `json:"message,omitempty"`
	Output   *Output `json:"output,omitempty"`
}

// Cache reads and writes operation state
type Cache struct {
	store kv.Store
	queue Enqueuer
	ttl   time.Duration
	memo  *expirable.LRU[string, *Output]
	log   zerolog.Logger
}

// New creates an operation cache. queue may be nil for read-only use.
func New(store kv.Store, queue Enqueuer, opts Options, log zerolog.Logger) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MemoSize <= 0 {
		opts.MemoSize = defaultMemoSize
	}
	if opts.MemoTTL <= 0 {
		opts.MemoTTL = defaultMemoTTL
	}

	return &Cache{
		store: store,
		queue: queue,
		ttl:   opts.TTL,
		memo:  expirable.NewLRU[string, *Output](opts.MemoSize, nil, opts.MemoTTL),
		log:   log.With().Str("component", "opcache").Logger(),
	}
}

func statusKey(key string) string   { return "operation_" + key + "_status" }
func progressKey(key string) string { return "operation_" + key + "_progress" }
func messageKey(key string) string  { return "operation_" + key + "_message" }
func outputKey(key string) string   { return "operation_" + key + "_output" }

func unavailable(err error, action string) error {
	return perrors.Wrap(err, perrors.CodeUnavailable, "failed to "+action)
}

// get returns "" for a missing key
func (c *Cache) get(ctx context.Context, key string) (string, error) {
	v, err := c.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return "", nil
	}

	return v, err
}

// Status returns the operation status; unknown operations are PENDING
func (c *Cache) Status(ctx context.Context, key string) (Status, error) {
	v, err := c.get(ctx, statusKey(key))
	if err != nil {
		return "", unavailable(err, "read status")
	}

	if v == "" {
		return StatusPending, nil
	}

	return Status(v), nil
}

// SetStatus overwrites the status
func (c *Cache) SetStatus(ctx context.Context, key string, status Status) error {
	if err := c.store.Set(ctx, statusKey(key), string(status), c.ttl); err != nil {
		return unavailable(err, "write status")
	}

	return nil
}

// Progress returns the recorded progress, 0 if none
func (c *Cache) Progress(ctx context.Context, key string) (float64, error) {
	v, err := c.get(ctx, progressKey(key))
	if err != nil {
		return 0, unavailable(err, "read progress")
	}

	if v == "" {
		return 0, nil
	}

	p, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid progress %q: %w", v, err)
	}

	return p, nil
}

// SetProgress records progress reported while running. It is clamped to
// [0, MaxReportedProgress] and never moves backwards.
func (c *Cache) SetProgress(ctx context.Context, key string, progress float64) error {
	progress = min(max(progress, 0), MaxReportedProgress)

	current, err := c.Progress(ctx, key)
	if err != nil {
		return err
	}

	if progress <= current {
		return nil
	}

	if err := c.store.Set(ctx, progressKey(key), formatProgress(progress), c.ttl); err != nil {
		return unavailable(err, "write progress")
	}

	return nil
}

// Message returns the recorded failure message, "" if none
func (c *Cache) Message(ctx context.Context, key string) (string, error) {
	v, err := c.get(ctx, messageKey(key))
	if err != nil {
		return "", unavailable(err, "read message")
	}

	return v, nil
}

// Output returns the result of a completed operation, or nil if there is none
func (c *Cache) Output(ctx context.Context, key string) (*Output, error) {
	if out, ok := c.memo.Get(key); ok {
		return out, nil
	}

	v, err := c.get(ctx, outputKey(key))
	if err != nil {
		return nil, unavailable(err, "read output")
	}

	if v == "" {
		return nil, nil
	}

	var out Output
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil, fmt.Errorf("invalid output for %s: %w", key, err)
	}

	c.memo.Add(key, &out)

	return &out, nil
}

// SetOutput records the result. Output, progress 1.0 and COMPLETED are
// written in one step.
func (c *Cache) SetOutput(ctx context.Context, key string, out *Output) error {
	if out == nil {
		out = &Output{}
	}

	if out.OutputFiles == nil {
		out.OutputFiles = []Artifact{}
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}

	err = c.store.SetMany(ctx, map[string]string{
		outputKey(key):   string(raw),
		progressKey(key): formatProgress(1),
		statusKey(key):   string(StatusCompleted),
	}, c.ttl)
	if err != nil {
		return unavailable(err, "write output")
	}

	c.memo.Add(key, out)
	c.log.Info().Str("cache_key", key).Int("files", len(out.OutputFiles)).Msg("operation completed")

	return nil
}

// SetFailed marks the operation FAILED with a user-facing message
func (c *Cache) SetFailed(ctx context.Context, key, message string) error {
	err := c.store.SetMany(ctx, map[string]string{
		statusKey(key):  string(StatusFailed),
		messageKey(key): message,
	}, c.ttl)
	if err != nil {
		return unavailable(err, "write failure")
	}

	c.log.Warn().Str("cache_key", key).Str("message", message).Msg("operation failed")

	return nil
}

// Forget deletes all state of an operation so it can run from scratch
func (c *Cache) Forget(ctx context.Context, key string) error {
	c.memo.Remove(key)

	if err := c.store.Del(ctx, statusKey(key), progressKey(key), messageKey(key), outputKey(key)); err != nil {
		return unavailable(err, "delete operation state")
	}

	return nil
}

// Get returns a snapshot of the operation
func (c *Cache) Get(ctx context.Context, key string) (*State, error) {
	status, err := c.Status(ctx, key)
	if err != nil {
		return nil, err
	}

	progress, err := c.Progress(ctx, key)
	if err != nil {
		return nil, err
	}

	message, err := c.Message(ctx, key)
	if err != nil {
		return nil, err
	}

	state := &State{Key: key, Status: status, Progress: progress, Message: message}
	if status == StatusCompleted {
		if state.Output, err = c.Output(ctx, key); err != nil {
			return nil, err
		}
	}

	return state, nil
}

// Submit starts an invocation unless it is already running or done.
// It reports whether this call started it. Submit never waits for the
// operation itself.
func (c *Cache) Submit(ctx context.Context, inv *Invocation) (bool, error) {
	if c.queue == nil {
		return false, perrors.New(perrors.CodeInternal, "operation cache has no queue")
	}

	log := c.log.With().Str("cache_key", inv.Key).Str("operation", inv.Name).Logger()

	started, err := c.store.CompareAndSwap(ctx, statusKey(inv.Key),
		[]string{"", string(StatusPending), string(StatusFailed)},
		string(StatusInProgress), c.ttl)
	if err != nil {
		return false, unavailable(err, "claim operation")
	}

	if !started {
		log.Debug().Msg("operation already running or completed")
		return false, nil
	}

	if err := c.store.Set(ctx, progressKey(inv.Key), formatProgress(0), c.ttl); err != nil {
		return false, c.abortSubmit(ctx, inv, unavailable(err, "reset progress"))
	}

	if err := c.store.Del(ctx, messageKey(inv.Key)); err != nil {
		return false, c.abortSubmit(ctx, inv, unavailable(err, "clear message"))
	}

	if err := c.queue.Enqueue(ctx, inv); err != nil {
		return false, c.abortSubmit(ctx, inv, perrors.Wrap(err, perrors.CodeUnavailable, "failed to queue operation"))
	}

	log.Info().Msg("operation submitted")

	return true, nil
}

// abortSubmit records a submission that could not be handed to the workers,
// so it does not sit IN_PROGRESS forever
func (c *Cache) abortSubmit(ctx context.Context, inv *Invocation, cause error) error {
	if err := c.SetFailed(context.WithoutCancel(ctx), inv.Key, "Failed to queue operation"); err != nil {
		c.log.Error().Err(err).Str("cache_key", inv.Key).Msg("failed to record submit failure")
	}

	return cause
}

func formatProgress(p float64) string {
	return strconv.FormatFloat(p, 'f', -1, 64)
}
