package nbclient

import (
	"context"
	"log/slog"
	"sync"

	"github.com/astromechza/automerge-notebook/pkg/notebook"
)

// AIMessageType tags the replies an agent attaches to a prompt.
type AIMessageType int

const (
	// AIAcknowledge tells the user the prompt is being processed.
	AIAcknowledge AIMessageType = iota
	AISuggestion
	AIExplanation
)

// Prompt is a user request found under datalayer.ai.prompts in the metadata of a cell, or of the notebook when
// CellID is empty.
type Prompt struct {
	ID     string
	CellID string
	Prompt string
}

// AgentHandlers are called from the agent goroutine, never from inside a replica callback, so they may edit the
// notebook. A nil handler only logs.
type AgentHandlers struct {
	OnPrompt       func(ctx context.Context, a *Agent, p Prompt)
	OnSourceChange func(ctx context.Context, a *Agent, cellID, newSource, oldSource string)
}

// Agent reacts to prompts and source edits made by the collaborators of a notebook.
type Agent struct {
	client   *Client
	handlers AgentHandlers
	log      *slog.Logger

	mu    sync.Mutex
	queue []notebook.ChangeEvent
	wake  chan struct{}
	// prompts already handed to OnPrompt, keyed by cell and prompt id
	seen map[string]struct{}
}

func NewAgent(c *Client, handlers AgentHandlers) *Agent {
	return &Agent{
		client:   c,
		handlers: handlers,
		log:      c.log.With("component", "agent"),
		wake:     make(chan struct{}, 1),
		seen:     map[string]struct{}{},
	}
}

func (a *Agent) Client() *Client {
	return a.client
}

// Run handles the prompts already waiting in the notebook and then every change until ctx is done. The client
// must have been started.
func (a *Agent) Run(ctx context.Context) error {
	sub, err := a.client.Observe(a.enqueue)
	if err != nil {
		return err
	}
	defer sub.Cancel()

	cells, err := a.client.Cells()
	if err != nil {
		return err
	}
	for _, c := range cells {
		a.prompts(ctx, c.ID, c.Metadata)
	}
	md, err := a.client.Metadata()
	if err != nil {
		return err
	}
	a.prompts(ctx, "", md)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.wake:
			a.mu.Lock()
			events := a.queue
			a.queue = nil
			a.mu.Unlock()
			for _, e := range events {
				a.handle(ctx, e)
			}
		}
	}
}

func (a *Agent) enqueue(e notebook.ChangeEvent) {
	switch e.Kind {
	case notebook.CellInserted, notebook.SourceChanged, notebook.CellMetadataChanged, notebook.NotebookMetadataChanged:
	default:
		return
	}
	a.mu.Lock()
	a.queue = append(a.queue, e)
	a.mu.Unlock()
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *Agent) handle(ctx context.Context, e notebook.ChangeEvent) {
	switch e.Kind {
	case notebook.CellInserted:
		c, _ := e.After.(notebook.Cell)
		a.prompts(ctx, c.ID, c.Metadata)
		a.sourceChanged(ctx, c.ID, c.Source, "")
	case notebook.SourceChanged:
		after, _ := e.After.(string)
		before, _ := e.Before.(string)
		a.sourceChanged(ctx, e.CellID, after, before)
	case notebook.CellMetadataChanged:
		md, _ := e.After.(map[string]any)
		a.prompts(ctx, e.CellID, md)
	case notebook.NotebookMetadataChanged:
		md, _ := e.After.(map[string]any)
		a.prompts(ctx, "", md)
	}
}

func (a *Agent) sourceChanged(ctx context.Context, cellID, newSource, oldSource string) {
	a.log.Debug("cell source changed", "cell", cellID)
	if a.handlers.OnSourceChange != nil {
		a.handlers.OnSourceChange(ctx, a, cellID, newSource, oldSource)
	}
}

func (a *Agent) prompts(ctx context.Context, cellID string, md map[string]any) {
	for _, p := range unansweredPrompts(cellID, md) {
		key := cellID + "/" + p.ID
		if _, ok := a.seen[key]; ok {
			continue
		}
		a.seen[key] = struct{}{}
		a.log.Debug("new prompt", "cell", cellID, "prompt", p.Prompt)
		if a.handlers.OnPrompt != nil {
			a.handlers.OnPrompt(ctx, a, p)
		}
	}
}

func aiSection(md map[string]any) map[string]any {
	datalayer, _ := md["datalayer"].(map[string]any)
	ai, _ := datalayer["ai"].(map[string]any)
	return ai
}

// unansweredPrompts lists the prompts that no message points to as its parent, in document order.
func unansweredPrompts(cellID string, md map[string]any) []Prompt {
	ai := aiSection(md)
	if ai == nil {
		return nil
	}
	answered := map[string]bool{}
	messages, _ := ai["messages"].([]any)
	for _, m := range messages {
		if mm, ok := m.(map[string]any); ok {
			if parent, ok := mm["parent_id"].(string); ok {
				answered[parent] = true
			}
		}
	}
	var out []Prompt
	prompts, _ := ai["prompts"].([]any)
	for _, raw := range prompts {
		pm, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		id, _ := pm["id"].(string)
		if id == "" || answered[id] {
			continue
		}
		text, _ := pm["prompt"].(string)
		out = append(out, Prompt{ID: id, CellID: cellID, Prompt: text})
	}
	return out
}

// UpdateDocument attaches a reply to prompt p in the metadata of the cell with the given id, or of the notebook
// when cellID is empty.
func (a *Agent) UpdateDocument(p Prompt, messageType AIMessageType, message, cellID string) error {
	r, err := a.client.doc()
	if err != nil {
		return err
	}
	reply := map[string]any{"parent_id": p.ID, "message": message, "type": int64(messageType)}
	return r.UpdateMetadata(cellID, func(md map[string]any) error {
		datalayer, _ := md["datalayer"].(map[string]any)
		if datalayer == nil {
			datalayer = map[string]any{}
		}
		ai, _ := datalayer["ai"].(map[string]any)
		if ai == nil {
			ai = map[string]any{"prompts": []any{}}
		}
		messages, _ := ai["messages"].([]any)
		ai["messages"] = append(messages, reply)
		datalayer["ai"] = ai
		md["datalayer"] = datalayer
		return nil
	})
}
