package audit

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"github.com/MrEthical07/tenantAuth/internal/async"
)

// Config controls dispatcher buffering behavior.
type Config struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
	// NodeID distinguishes event ids generated by different processes.
	NodeID int64
}

// Dispatcher asynchronously forwards audit events to a sink.
type Dispatcher struct {
	node  *snowflake.Node
	queue *async.Queue[Event]
}

// NewDispatcher returns nil when auditing is disabled; a nil Dispatcher
// accepts and discards events.
func NewDispatcher(cfg Config, sink Sink, log *zap.Logger) (*Dispatcher, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if sink == nil {
		sink = NoOpSink{}
	}

	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("audit node id: %w", err)
	}

	q := async.New[Event](async.Config{
		Name:       "audit",
		BufferSize: cfg.BufferSize,
		DropIfFull: cfg.DropIfFull,
	}, sink.Emit, log)

	return &Dispatcher{node: node, queue: q}, nil
}

// Emit stamps the event id and queues it. It never waits for the sink.
func (d *Dispatcher) Emit(ctx context.Context, event Event) {
	if d == nil {
		return
	}
	if event.ID == "" {
		event.ID = d.node.Generate().String()
	}
	d.queue.Submit(ctx, event)
}

func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.queue.Close()
}

func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.queue.Dropped()
}
