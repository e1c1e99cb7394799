package channels

import (
	"context"
	"sync/atomic"

	"github.com/openwhale/openwhale/pkg/agent"
	"github.com/openwhale/openwhale/pkg/logger"
)

// Channel is one chat platform adapter. Start is non-blocking: it
// connects and spawns the receive loop, then returns.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// BaseChannel carries what every platform adapter shares: the
// processor, the sender allowlist and the running flag.
type BaseChannel struct {
	name      string
	processor *agent.Processor
	allowFrom []string
	running   atomic.Bool
}

func NewBaseChannel(name string, processor *agent.Processor, allowFrom []string) *BaseChannel {
	return &BaseChannel{name: name, processor: processor, allowFrom: allowFrom}
}

func (b *BaseChannel) Name() string { return b.name }

func (b *BaseChannel) setRunning(v bool) { b.running.Store(v) }
func (b *BaseChannel) IsRunning() bool   { return b.running.Load() }

// IsAllowed reports whether any of the given sender identifiers is on
// the allowlist. An empty allowlist admits everyone.
func (b *BaseChannel) IsAllowed(ids ...string) bool {
	if len(b.allowFrom) == 0 {
		return true
	}
	for _, allowed := range b.allowFrom {
		for _, id := range ids {
			if id != "" && id == allowed {
				return true
			}
		}
	}
	return false
}

// Dispatch hands a message to the processor on its own goroutine so
// the platform receive loop never blocks on a model call.
func (b *BaseChannel) Dispatch(ctx context.Context, req agent.Request) {
	go func() {
		res := b.processor.ProcessMessage(ctx, req)
		if !res.Success {
			errText := ""
			if res.Err != nil {
				errText = res.Err.Error()
			}
			logger.WarnCF(b.name, "Message processing failed",
				map[string]interface{}{"sender": req.SenderID, "error": errText})
		}
	}()
}
