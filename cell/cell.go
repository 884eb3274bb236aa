// Package cell turns the execution channel's event stream into an
// append-only log of cells, one cell per run, the way a notebook pairs an
// input with its output.
package cell

import "cellengine/model"

// Block kinds rendered inside a cell.
const (
	BlockStdout = "stdout"
	BlockStderr = "stderr"
	BlockImage  = "image"
	BlockHTML   = "html"
	BlockText   = "text"
)

// Block is one rendered fragment inside a cell.
type Block struct {
	Kind string
	Text string
	MIME string
	Data string // base64 image bytes
	HTML string
}

// Cell groups the events of one run. It opens lazily on the first event
// that needs somewhere to render and closes when its result arrives; later
// events start a new cell.
type Cell struct {
	ID       int
	Blocks   []Block
	ExitCode int
	Closed   bool
}

// Log is the dispatcher state: the cell list plus channel lifecycle flags.
// Apply is deterministic, so replaying the same event stream into a fresh
// Log yields a structurally identical result.
type Log struct {
	Cells  []Cell
	Ready  bool
	Status string
	nextID int
}

// NewLog returns an empty log.
func NewLog() *Log {
	return &Log{nextID: 1}
}

// Apply folds one event into the log. Events whose shape does not match a
// known kind are ignored, so unknown lifecycle messages never break
// rendering. Output arriving before the first ready event is appended
// rather than dropped.
func (l *Log) Apply(envelope model.Envelope) {
	switch envelope.Type {
	case model.TypeReady:
		l.Ready = true
		l.Status = "ready"
	case model.TypeStatus:
		l.Status = envelope.Text()
	case model.TypeStdout:
		l.appendBlock(Block{Kind: BlockStdout, Text: envelope.Text()})
	case model.TypeStderr:
		l.appendBlock(Block{Kind: BlockStderr, Text: envelope.Text()})
	case model.TypeDisplay:
		payload, ok := envelope.Display()
		if !ok {
			return
		}
		switch payload.Kind {
		case model.DisplayImage:
			l.appendBlock(Block{Kind: BlockImage, MIME: payload.MIME, Data: payload.Data})
		case model.DisplayHTML:
			l.appendBlock(Block{Kind: BlockHTML, HTML: payload.HTML})
		case model.DisplayText:
			l.appendBlock(Block{Kind: BlockText, Text: payload.Text})
		}
	case model.TypeResult:
		result, ok := envelope.Result()
		if !ok {
			return
		}
		active := l.active()
		active.ExitCode = result.ExitCode
		active.Closed = true
	}
}

// active returns the open cell, opening a new one if the last cell is
// closed or none exists.
func (l *Log) active() *Cell {
	if n := len(l.Cells); n > 0 && !l.Cells[n-1].Closed {
		return &l.Cells[n-1]
	}
	l.Cells = append(l.Cells, Cell{ID: l.nextID})
	l.nextID++
	return &l.Cells[len(l.Cells)-1]
}

func (l *Log) appendBlock(block Block) {
	active := l.active()
	active.Blocks = append(active.Blocks, block)
}

// Last returns the most recently opened cell, or nil if none exists.
func (l *Log) Last() *Cell {
	if len(l.Cells) == 0 {
		return nil
	}
	return &l.Cells[len(l.Cells)-1]
}
