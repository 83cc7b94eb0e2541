package stream

import (
	"context"

	"github.com/dizzyvn/kumiai/internal/agent"
	"github.com/dizzyvn/kumiai/internal/events"
)

// Output is one item produced by the pipeline. Event is nil for internal
// markers (message start, block stop), which carry only Raw.
type Output struct {
	Event events.Event
	Raw   *agent.StreamEvent
}

// IsMarker reports whether the output is an internal marker
func (o Output) IsMarker() bool {
	return o.Event == nil
}

// Options configures a Pipeline
type Options struct {
	// LiveDeltas mirrors each buffered fragment as a stream_delta event
	LiveDeltas bool

	// ResponseID correlates output until the engine announces its own
	ResponseID string
}

// Pipeline normalizes the engine stream of one execution
type Pipeline struct {
	sessionID  string
	responseID string
	liveDeltas bool
	buffer     *TextBuffer
}

// NewPipeline creates a pipeline for a session's execution
func NewPipeline(sessionID string, opts Options) *Pipeline {
	return &Pipeline{
		sessionID:  sessionID,
		responseID: opts.ResponseID,
		liveDeltas: opts.LiveDeltas,
		buffer:     NewTextBuffer(),
	}
}

// ResponseID returns the currently tracked response-correlation id
func (p *Pipeline) ResponseID() string {
	return p.responseID
}

// Process dispatches one engine event and returns what it produces, in order
func (p *Pipeline) Process(ev *agent.StreamEvent) []Output {
	switch ev.Type {
	case agent.StreamEventTextDelta:
		p.buffer.BufferDelta(ev.Index, ev.Text)
		if p.liveDeltas && ev.Text != "" {
			return []Output{{Raw: ev, Event: &events.StreamDelta{
				SessionID:  p.sessionID,
				ResponseID: p.responseID,
				Index:      ev.Index,
				Text:       ev.Text,
			}}}
		}
		return nil

	case agent.StreamEventBlockStop:
		var out []Output
		if block, ok := p.buffer.Flush(ev.Index); ok {
			out = append(out, p.blockOutput(ev, block))
		}
		return append(out, Output{Raw: ev})

	case agent.StreamEventMessageStart:
		if ev.MessageID != "" {
			p.responseID = ev.MessageID
		}
		return []Output{{Raw: ev}}

	case agent.StreamEventMessageComplete:
		var out []Output
		for _, block := range p.buffer.FlushAll() {
			out = append(out, p.blockOutput(ev, block))
		}
		return append(out, Output{Raw: ev, Event: &events.MessageComplete{
			SessionID:  p.sessionID,
			ResponseID: p.responseID,
		}})

	case agent.StreamEventToolCall:
		return []Output{{Raw: ev, Event: &events.ToolStarted{
			SessionID:  p.sessionID,
			ResponseID: p.responseID,
			ToolID:     ev.ToolID,
			ToolName:   ev.ToolName,
			Arguments:  ev.Parameters,
		}}}

	case agent.StreamEventToolResult:
		return []Output{{Raw: ev, Event: &events.ToolFinished{
			SessionID:  p.sessionID,
			ResponseID: p.responseID,
			ToolID:     ev.ToolID,
			ToolName:   ev.ToolName,
			Result:     ev.Value,
			IsError:    ev.IsError,
		}}}

	case agent.StreamEventResult:
		return []Output{{Raw: ev, Event: &events.Result{
			SessionID:  p.sessionID,
			ResponseID: p.responseID,
			Text:       ev.Text,
			NumTurns:   ev.NumTurns,
			DurationMs: ev.DurationMs,
			IsError:    ev.IsError,
		}}}

	case agent.StreamEventError:
		return []Output{{Raw: ev, Event: &events.Error{
			SessionID: p.sessionID,
			Message:   ev.Text,
		}}}
	}

	// system and unknown kinds carry nothing for subscribers
	return nil
}

func (p *Pipeline) blockOutput(ev *agent.StreamEvent, block ContentBlock) Output {
	return Output{Raw: ev, Event: &events.ContentBlock{
		SessionID:  p.sessionID,
		ResponseID: p.responseID,
		Index:      block.Index,
		Content:    block.Content,
	}}
}

// Run drives the pipeline from in until it closes or ctx is cancelled. The
// returned channel is closed when Run stops.
func (p *Pipeline) Run(ctx context.Context, in <-chan *agent.StreamEvent) <-chan Output {
	out := make(chan Output)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-in:
				if !ok {
					return
				}
				for _, o := range p.Process(ev) {
					select {
					case out <- o:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out
}
