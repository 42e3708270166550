package nbclient

import (
	"context"

	"github.com/astromechza/automerge-notebook/pkg/execution"
	"github.com/astromechza/automerge-notebook/pkg/kernel"
	"github.com/astromechza/automerge-notebook/pkg/notebook"
)

func (c *Client) Len() (int, error) {
	r, err := c.doc()
	if err != nil {
		return 0, err
	}
	return r.Len()
}

func (c *Client) Cells() ([]notebook.Cell, error) {
	r, err := c.doc()
	if err != nil {
		return nil, err
	}
	return r.Cells()
}

func (c *Client) Cell(index int) (notebook.Cell, error) {
	r, err := c.doc()
	if err != nil {
		return notebook.Cell{}, err
	}
	return r.Cell(index)
}

// IndexOf finds the current position of a cell, indexes shift when collaborators insert or delete cells.
func (c *Client) IndexOf(cellID string) (int, error) {
	r, err := c.doc()
	if err != nil {
		return -1, err
	}
	return r.IndexOf(cellID)
}

func (c *Client) InsertCell(index int, cellType notebook.CellType, source string) (notebook.Cell, error) {
	r, err := c.doc()
	if err != nil {
		return notebook.Cell{}, err
	}
	return r.InsertCell(index, cellType, source)
}

// SetCell replaces the cell at index.
func (c *Client) SetCell(index int, cell notebook.Cell) (notebook.Cell, error) {
	r, err := c.doc()
	if err != nil {
		return notebook.Cell{}, err
	}
	return r.SetCell(index, cell)
}

func (c *Client) DeleteCell(index int) (notebook.Cell, error) {
	r, err := c.doc()
	if err != nil {
		return notebook.Cell{}, err
	}
	return r.DeleteCell(index)
}

func (c *Client) MoveCell(from, to int) error {
	r, err := c.doc()
	if err != nil {
		return err
	}
	return r.MoveCell(from, to)
}

func (c *Client) addCell(cellType notebook.CellType, source string) (int, error) {
	r, err := c.doc()
	if err != nil {
		return -1, err
	}
	return r.AppendCell(cellType, source)
}

// AddCodeCell appends a code cell and returns its index.
func (c *Client) AddCodeCell(source string) (int, error) {
	return c.addCell(notebook.CellCode, source)
}

func (c *Client) AddMarkdownCell(source string) (int, error) {
	return c.addCell(notebook.CellMarkdown, source)
}

func (c *Client) AddRawCell(source string) (int, error) {
	return c.addCell(notebook.CellRaw, source)
}

func (c *Client) SetSource(index int, source string) error {
	r, err := c.doc()
	if err != nil {
		return err
	}
	return r.SetCellSource(index, source)
}

func (c *Client) Outputs(index int) ([]notebook.Output, error) {
	r, err := c.doc()
	if err != nil {
		return nil, err
	}
	return r.Outputs(index)
}

func (c *Client) Metadata() (map[string]any, error) {
	r, err := c.doc()
	if err != nil {
		return nil, err
	}
	return r.Metadata()
}

func (c *Client) SetMetadata(values map[string]any) error {
	r, err := c.doc()
	if err != nil {
		return err
	}
	return r.SetMetadata(values)
}

func (c *Client) CellMetadata(index int) (map[string]any, error) {
	r, err := c.doc()
	if err != nil {
		return nil, err
	}
	return r.CellMetadata(index)
}

func (c *Client) SetCellMetadata(index int, values map[string]any) error {
	r, err := c.doc()
	if err != nil {
		return err
	}
	return r.SetCellMetadata(index, values)
}

// AsDict exports the notebook in nbformat shape.
func (c *Client) AsDict() (map[string]any, error) {
	r, err := c.doc()
	if err != nil {
		return nil, err
	}
	return r.AsDict()
}

func (c *Client) Observe(fn func(notebook.ChangeEvent)) (*notebook.Subscription, error) {
	r, err := c.doc()
	if err != nil {
		return nil, err
	}
	return r.Observe(fn), nil
}

// SetCursor publishes the cursor of this client to the other collaborators. It is not stored in the notebook.
func (c *Client) SetCursor(cellID string, position int) error {
	_, s, err := c.live()
	if err != nil {
		return err
	}
	s.Awareness().SetLocalField("cursor", map[string]any{"cellId": cellID, "position": position})
	return nil
}

func (c *Client) SetUser(name string) error {
	_, s, err := c.live()
	if err != nil {
		return err
	}
	s.Awareness().SetLocalField("user", map[string]any{"name": name})
	return nil
}

// Peers returns the presence state of the other clients in the room keyed by their client id.
func (c *Client) Peers() (map[uint64]map[string]any, error) {
	_, s, err := c.live()
	if err != nil {
		return nil, err
	}
	states := s.Awareness().States()
	delete(states, s.Awareness().ClientID())
	return states, nil
}

// ExecuteCell runs the code cell at index on k and waits for the result. Outputs stream into the notebook while it
// runs.
func (c *Client) ExecuteCell(ctx context.Context, index int, k kernel.Channel) (*execution.Result, error) {
	b, err := c.bridge(k)
	if err != nil {
		return nil, err
	}
	return b.ExecuteCell(ctx, index)
}

func (c *Client) bridge(k kernel.Channel) (*execution.Bridge, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil, ErrStopped
	}
	if c.replica == nil {
		return nil, notebook.ErrDocumentNotReady
	}
	if b, ok := c.bridges[k]; ok {
		return b, nil
	}
	settings := c.settings.Execution
	if settings == nil {
		settings = execution.DefaultSettings()
	}
	if settings.Logger == nil {
		settings.Logger = c.log
	}
	b := execution.NewBridge(c.replica, k, settings)
	c.bridges[k] = b
	return b, nil
}
