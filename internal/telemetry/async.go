package telemetry

import (
	"context"
	"log"
	"sync"
	"time"
)

// emitTimeout bounds one background emit.
const emitTimeout = 5 * time.Second

// ShutdownDrainDuration caps how long Flush is given at shutdown. It covers one emitTimeout.
const ShutdownDrainDuration = emitTimeout

// pending counts background emits so shutdown can wait for them.
var pending inflight

type inflight struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

func (f *inflight) add() {
	f.mu.Lock()
	if f.n == 0 {
		f.idle = make(chan struct{})
	}
	f.n++
	f.mu.Unlock()
}

func (f *inflight) done() {
	f.mu.Lock()
	f.n--
	if f.n == 0 {
		close(f.idle)
	}
	f.mu.Unlock()
}

func (f *inflight) wait(ctx context.Context) error {
	f.mu.Lock()
	if f.n == 0 {
		f.mu.Unlock()
		return nil
	}
	idle := f.idle
	f.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EmitAsync hands event to emitter on a background goroutine; session and progress operations
// never wait on telemetry. A nil emitter or event is a no-op. ctx is not used for the emit itself:
// a logout whose context is already cancelled still gets its event out.
func EmitAsync(emitter EventEmitter, ctx context.Context, event *Event) {
	if emitter == nil || event == nil {
		return
	}
	pending.add()
	go func() {
		defer pending.done()
		emitCtx, cancel := context.WithTimeout(context.Background(), emitTimeout)
		defer cancel()
		if err := emitter.Emit(emitCtx, event); err != nil {
			log.Printf("telemetry: %s event dropped: %v", event.EventType, err)
		}
	}()
}

// Flush blocks until every EmitAsync started so far has returned, or ctx is done.
func Flush(ctx context.Context) error {
	return pending.wait(ctx)
}
