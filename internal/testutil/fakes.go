package testutil

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/stricklysoft-pipelines/pkg/capability"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/events"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/pipeline"
)

// Reply is one scripted adapter response.
type Reply struct {
	Output any
	Cost   decimal.Decimal
	Err    error
	Delay  time.Duration
	Panic  any
}

// Succeed returns a successful reply billing cost.
func Succeed(output any, cost string) Reply {
	return Reply{Output: output, Cost: decimal.RequireFromString(cost)}
}

// FailTransient returns a retryable failure.
func FailTransient(msg string) Reply {
	return Reply{Err: capability.Transient(errors.New(msg))}
}

// FailPermanent returns a failure that ends retries on the provider.
func FailPermanent(msg string) Reply {
	return Reply{Err: capability.Permanent(errors.New(msg))}
}

// ScriptedAdapter is a [capability.Adapter] answering calls from a script.
// Call n receives reply n; once the script is exhausted the last reply
// repeats. It is safe for concurrent use.
type ScriptedAdapter struct {
	mu       sync.Mutex
	replies  []Reply
	estimate decimal.Decimal
	requests []capability.Request
}

var _ capability.Adapter = (*ScriptedAdapter)(nil)

// NewScriptedAdapter creates an adapter answering with replies. With no
// replies every call succeeds with a nil output at zero cost.
func NewScriptedAdapter(replies ...Reply) *ScriptedAdapter {
	return &ScriptedAdapter{replies: replies, estimate: decimal.Zero}
}

// WithEstimate sets the value returned by EstimateCost.
func (a *ScriptedAdapter) WithEstimate(amount string) *ScriptedAdapter {
	a.mu.Lock()
	a.estimate = decimal.RequireFromString(amount)
	a.mu.Unlock()
	return a
}

// Invoke implements [capability.Adapter].
func (a *ScriptedAdapter) Invoke(ctx context.Context, req capability.Request) (capability.Result, error) {
	a.mu.Lock()
	n := len(a.requests)
	a.requests = append(a.requests, req)
	var r Reply
	switch {
	case len(a.replies) == 0:
	case n < len(a.replies):
		r = a.replies[n]
	default:
		r = a.replies[len(a.replies)-1]
	}
	a.mu.Unlock()

	if r.Delay > 0 {
		t := time.NewTimer(r.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return capability.Result{}, ctx.Err()
		}
	}
	if r.Panic != nil {
		panic(r.Panic)
	}
	return capability.Result{Output: r.Output, Cost: r.Cost}, r.Err
}

// EstimateCost implements [capability.Adapter].
func (a *ScriptedAdapter) EstimateCost(any) decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.estimate
}

// Calls returns the number of Invoke calls.
func (a *ScriptedAdapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.requests)
}

// Requests returns a copy of every request received.
func (a *ScriptedAdapter) Requests() []capability.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]capability.Request(nil), a.requests...)
}

// CompensationLog records compensator invocations in call order.
type CompensationLog struct {
	mu    sync.Mutex
	calls []pipeline.Compensation
}

// Compensator returns a compensator that records its call and returns
// err.
func (l *CompensationLog) Compensator(err error) pipeline.Compensator {
	return func(_ context.Context, c pipeline.Compensation) error {
		l.mu.Lock()
		l.calls = append(l.calls, c)
		l.mu.Unlock()
		return err
	}
}

// Steps returns the compensated step names in call order.
func (l *CompensationLog) Steps() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.calls))
	for i, c := range l.calls {
		out[i] = c.Step
	}
	return out
}

// Calls returns a copy of every recorded compensation.
func (l *CompensationLog) Calls() []pipeline.Compensation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]pipeline.Compensation(nil), l.calls...)
}

// CollectEvents drains ch until it closes, failing the test after
// timeout.
func CollectEvents(t testing.TB, ch <-chan events.Event, timeout time.Duration) []events.Event {
	t.Helper()
	var out []events.Event
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, e)
		case <-deadline.C:
			require.FailNow(t, "event stream not closed", "after %v; received %d events", timeout, len(out))
			return nil
		}
	}
}

// EventTypes returns the type of every event.
func EventTypes(evs []events.Event) []events.Type {
	out := make([]events.Type, len(evs))
	for i, e := range evs {
		out[i] = e.Type
	}
	return out
}

// FilterEvents returns the events of type typ.
func FilterEvents(evs []events.Event, typ events.Type) []events.Event {
	var out []events.Event
	for _, e := range evs {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// NoSleep is a saga sleeper that returns immediately unless ctx is done.
func NoSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}
