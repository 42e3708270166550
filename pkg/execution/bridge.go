package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/astromechza/automerge-notebook/pkg/kernel"
	"github.com/astromechza/automerge-notebook/pkg/notebook"
	"github.com/oklog/ulid/v2"
)

var (
	ErrExecutionTimeout = errors.New("execution timed out")
	ErrNotCodeCell      = errors.New("only code cells can be executed")
	ErrBridgeClosed     = errors.New("execution bridge closed")
)

type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

type Result struct {
	ExecutionCount *int64
	Status         Status
	Outputs        []notebook.Output
}

type Settings struct {
	// Timeout bounds a single execution, from sending the request to the terminal status.
	Timeout time.Duration
	// EventBuffer is the number of kernel events queued per pending execution.
	EventBuffer int
	Logger      *slog.Logger
}

func DefaultSettings() *Settings {
	return &Settings{
		Timeout:     5 * time.Minute,
		EventBuffer: 256,
	}
}

// Bridge runs cells of one replica on one kernel channel. A single dispatcher goroutine routes kernel events to
// the pending execution that owns their token.
type Bridge struct {
	replica  *notebook.Replica
	kernel   kernel.Channel
	settings *Settings
	log      *slog.Logger

	mu      sync.Mutex
	pending map[string]*pending
	lost    bool

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func NewBridge(replica *notebook.Replica, k kernel.Channel, settings *Settings) *Bridge {
	if settings == nil {
		settings = DefaultSettings()
	}
	log := settings.Logger
	if log == nil {
		log = slog.Default()
	}
	b := &Bridge{
		replica:  replica,
		kernel:   k,
		settings: settings,
		log:      log.With("component", "execution"),
		pending:  map[string]*pending{},
		done:     make(chan struct{}),
	}
	b.wg.Add(1)
	go b.dispatch()
	return b
}

// pending is the event queue of one execution. done is closed when the execution stops listening.
type pending struct {
	events chan kernel.Event
	done   chan struct{}
}

func (b *Bridge) dispatch() {
	defer b.wg.Done()
	events := b.kernel.Events()
	for {
		select {
		case <-b.done:
			return
		case e, ok := <-events:
			if !ok {
				b.log.Warn("kernel event stream ended")
				b.mu.Lock()
				b.lost = true
				for token, p := range b.pending {
					close(p.events)
					delete(b.pending, token)
				}
				b.mu.Unlock()
				return
			}
			b.mu.Lock()
			p := b.pending[e.Token]
			b.mu.Unlock()
			if p == nil {
				b.log.Debug("dropping kernel event without pending execution", "token", e.Token, "type", e.MsgType)
				continue
			}
			select {
			case p.events <- e:
			case <-p.done:
				b.log.Debug("dropping kernel event of finished execution", "token", e.Token, "type", e.MsgType)
			case <-b.done:
				return
			}
		}
	}
}

func (b *Bridge) register(token string) (chan kernel.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-b.done:
		return nil, ErrBridgeClosed
	default:
	}
	if b.lost {
		return nil, kernel.ErrClosed
	}
	p := &pending{events: make(chan kernel.Event, b.settings.EventBuffer), done: make(chan struct{})}
	b.pending[token] = p
	return p.events, nil
}

func (b *Bridge) unregister(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.pending[token]; ok {
		close(p.done)
		delete(b.pending, token)
	}
}

// write applies fn to the current index of the cell. Outputs for a cell that has been deleted meanwhile are
// dropped.
func (b *Bridge) write(cellID string, fn func(index int) error) error {
	index, err := b.replica.IndexOf(cellID)
	if errors.Is(err, notebook.ErrCellNotFound) {
		b.log.Warn("cell disappeared during execution", "cell", cellID)
		return nil
	} else if err != nil {
		return err
	}
	return fn(index)
}

// ExecuteCell runs the source of the code cell at index and waits for the kernel to finish it. Outputs are
// written to the cell as they arrive. On timeout the outputs received so far are kept and returned with
// ErrExecutionTimeout.
func (b *Bridge) ExecuteCell(ctx context.Context, index int) (*Result, error) {
	cell, err := b.replica.Cell(index)
	if err != nil {
		return nil, err
	}
	if cell.Type != notebook.CellCode {
		return nil, fmt.Errorf("%w: cell %d is %s", ErrNotCodeCell, index, cell.Type)
	}
	if err := b.write(cell.ID, b.replica.ResetExecution); err != nil {
		return nil, fmt.Errorf("failed to reset cell: %w", err)
	}

	token := ulid.Make().String()
	events, err := b.register(token)
	if err != nil {
		return nil, err
	}
	defer b.unregister(token)
	log := b.log.With("cell", cell.ID, "token", token)

	runCtx, cancel := context.WithTimeout(ctx, b.settings.Timeout)
	defer cancel()

	result := &Result{Status: StatusOK, Outputs: []notebook.Output{}}
	if err := b.kernel.Send(runCtx, cell.Source, token); err != nil {
		b.abandon(cell.ID, result, log)
		return result, fmt.Errorf("failed to send code to kernel: %w", err)
	}
	log.Debug("execution started")

	f := &fold{bridge: b, cellID: cell.ID, result: result, log: log}
	for {
		select {
		case <-runCtx.Done():
			b.abandon(cell.ID, result, log)
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			return result, fmt.Errorf("%w after %s", ErrExecutionTimeout, b.settings.Timeout)
		case <-b.done:
			return result, ErrBridgeClosed
		case e, ok := <-events:
			if !ok {
				b.abandon(cell.ID, result, log)
				return result, kernel.ErrClosed
			}
			finished, err := f.apply(e)
			if err != nil {
				return result, err
			}
			if finished {
				if err := b.write(cell.ID, func(i int) error {
					return b.replica.FinishExecution(i, result.ExecutionCount)
				}); err != nil {
					return result, fmt.Errorf("failed to finish execution: %w", err)
				}
				log.Debug("execution finished", "status", result.Status, "outputs", len(result.Outputs))
				return result, nil
			}
		}
	}
}

// abandon marks the cell idle but keeps whatever outputs were written.
func (b *Bridge) abandon(cellID string, result *Result, log *slog.Logger) {
	if err := b.write(cellID, func(i int) error {
		return b.replica.FinishExecution(i, result.ExecutionCount)
	}); err != nil {
		log.Warn("failed to mark cell idle", "err", err)
	}
}

// Close stops routing events. Pending executions return ErrBridgeClosed.
func (b *Bridge) Close() {
	b.once.Do(func() {
		close(b.done)
	})
	b.wg.Wait()
}

// fold accumulates the kernel events of one execution.
type fold struct {
	bridge       *Bridge
	cellID       string
	result       *Result
	log          *slog.Logger
	busy         bool
	clearPending bool
}

func (f *fold) apply(e kernel.Event) (bool, error) {
	switch e.MsgType {
	case "status":
		switch e.Status {
		case kernel.StatusBusy:
			f.busy = true
		case kernel.StatusIdle:
			return f.busy, nil
		case kernel.StatusError:
			f.result.Status = StatusError
			return true, nil
		}
	case "execute_input":
		f.count(e.Content)
	case "execute_reply":
		f.count(e.Content)
		if s, _ := e.Content["status"].(string); s != "" && s != string(StatusOK) {
			f.result.Status = StatusError
		}
	case "clear_output":
		if wait, _ := e.Content["wait"].(bool); wait {
			f.clearPending = true
			return false, nil
		}
		return false, f.clear()
	default:
		out, ok, err := notebook.OutputFromMessage(e.MsgType, e.Content)
		if err != nil {
			f.log.Warn("dropping malformed output", "type", e.MsgType, "err", err)
			return false, nil
		}
		if !ok {
			return false, nil
		}
		if f.clearPending {
			if err := f.clear(); err != nil {
				return false, err
			}
		}
		if out.OutputType == notebook.OutputError {
			f.result.Status = StatusError
		}
		if out.ExecutionCount != nil {
			f.result.ExecutionCount = out.ExecutionCount
		}
		if err := f.bridge.write(f.cellID, func(i int) error {
			return f.bridge.replica.AppendOutput(i, out)
		}); err != nil {
			return false, fmt.Errorf("failed to write output: %w", err)
		}
		f.result.Outputs = append(f.result.Outputs, out)
	}
	return false, nil
}

func (f *fold) count(content map[string]any) {
	switch n := content["execution_count"].(type) {
	case float64:
		c := int64(n)
		f.result.ExecutionCount = &c
	case int:
		c := int64(n)
		f.result.ExecutionCount = &c
	case int64:
		f.result.ExecutionCount = &n
	}
}

func (f *fold) clear() error {
	f.clearPending = false
	f.result.Outputs = []notebook.Output{}
	if err := f.bridge.write(f.cellID, f.bridge.replica.ClearOutputs); err != nil {
		return fmt.Errorf("failed to clear outputs: %w", err)
	}
	return nil
}
