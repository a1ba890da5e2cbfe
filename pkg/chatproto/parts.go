package chatproto

import "encoding/json"

// PartType is the open union of UI message part kinds. Known types are
// preserved structurally; any other type round-trips via Part.Raw.
type PartType string

const (
	PartTypeText        PartType = "text"
	PartTypeReasoning    PartType = "reasoning"
	PartTypeDynamicTool  PartType = "dynamic-tool"
)

// ToolState is a dynamic-tool part's state machine position.
type ToolState string

const (
	ToolStateInputStreaming ToolState = "input-streaming"
	ToolStateInputAvailable ToolState = "input-available"
	ToolStateOutputAvailable ToolState = "output-available"
	ToolStateOutputError    ToolState = "output-error"
)

// Part is one element of a Message's body sequence. Unknown part types
// (from a future agent-api version) are preserved losslessly via Raw.
type Part struct {
	Type PartType `json:"type"`

	// text / reasoning
	ID   string `json:"id,omitempty"`
	Text string `json:"text,omitempty"`

	// dynamic-tool
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	State      ToolState       `json:"state,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	ErrorText  string          `json:"errorText,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// MarshalJSON prefers Raw when present so unknown-type parts round-trip
// byte-for-byte; known types are re-serialized normally.
func (p Part) MarshalJSON() ([]byte, error) {
	if len(p.Raw) > 0 {
		return p.Raw, nil
	}
	type alias Part
	return json.Marshal(alias(p))
}

// UIMessage mirrors the UI SDK's message shape: {id, role, parts}.
type UIMessage struct {
	ID    string `json:"id"`
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// Assembler accumulates a stream of Chunks into a single assistant
// UIMessage: one part per (text-start..text-end), one per
// (reasoning-start..reasoning-end), and one dynamic-tool part per
// unique toolCallId.
type Assembler struct {
	messageID string
	parts     []*Part
	byID      map[string]*Part // text/reasoning parts keyed by chunk id
	byToolID  map[string]*Part // dynamic-tool parts keyed by toolCallId
	openText  string           // id of the currently-open text part, if any
	finished  bool
	finishReason string
	errorText    string
}

// NewAssembler creates an empty Assembler.
func NewAssembler() *Assembler {
	return &Assembler{
		byID:     make(map[string]*Part),
		byToolID: make(map[string]*Part),
	}
}

// Feed applies one chunk to the assembly. It never returns an error for
// a structurally-unknown chunk type; such chunks are simply ignored by
// the assembler (they still get mirrored to the client by the proxy).
func (a *Assembler) Feed(c Chunk) {
	switch c.Type {
	case ChunkStart:
		a.messageID = c.MessageID

	case ChunkTextStart:
		a.closeOpenTextIfDifferent(c.ID)
		p := &Part{Type: PartTypeText, ID: c.ID}
		a.parts = append(a.parts, p)
		a.byID[c.ID] = p
		a.openText = c.ID

	case ChunkTextDelta:
		p, ok := a.byID[c.ID]
		if !ok {
			break
		}
		if a.openText != c.ID {
			// The part was finalized (text-end or a tool-call
			// interruption); this delta starts a fresh one.
			p = &Part{Type: PartTypeText, ID: c.ID}
			a.parts = append(a.parts, p)
			a.byID[c.ID] = p
			a.openText = c.ID
		}
		p.Text += c.Delta

	case ChunkTextEnd:
		if a.openText == c.ID {
			a.openText = ""
		}

	case ChunkReasoningStart:
		p := &Part{Type: PartTypeReasoning, ID: c.ID}
		a.parts = append(a.parts, p)
		a.byID[c.ID] = p

	case ChunkReasoningDelta:
		if p, ok := a.byID[c.ID]; ok {
			p.Text += c.Delta
		}

	case ChunkReasoningEnd:
		// no-op: part already recorded

	case ChunkToolInputStart:
		a.interruptOpenText()
		p := &Part{
			Type:       PartTypeDynamicTool,
			ToolCallID: c.ToolCallID,
			ToolName:   c.ToolName,
			State:      ToolStateInputStreaming,
		}
		a.parts = append(a.parts, p)
		a.byToolID[c.ToolCallID] = p

	case ChunkToolInputDelta:
		// partial input deltas are not assembled into the persisted
		// part; only the final tool-input-available input is kept.

	case ChunkToolInputAvailable:
		p := a.toolPart(c.ToolCallID, c.ToolName)
		p.State = ToolStateInputAvailable
		p.Input = c.Input

	case ChunkToolOutputAvailable:
		p := a.toolPart(c.ToolCallID, "")
		p.State = ToolStateOutputAvailable
		p.Output = c.Output

	case ChunkToolOutputError:
		p := a.toolPart(c.ToolCallID, "")
		p.State = ToolStateOutputError
		p.ErrorText = c.ErrorText

	case ChunkFinish:
		a.finished = true
		a.finishReason = c.FinishReason

	case ChunkError:
		a.finished = true
		a.errorText = c.ErrorText
	}
}

func (a *Assembler) toolPart(toolCallID, toolName string) *Part {
	if p, ok := a.byToolID[toolCallID]; ok {
		return p
	}
	a.interruptOpenText()
	p := &Part{Type: PartTypeDynamicTool, ToolCallID: toolCallID, ToolName: toolName}
	a.parts = append(a.parts, p)
	a.byToolID[toolCallID] = p
	return p
}

// closeOpenTextIfDifferent finalizes the currently-open text part when a
// new text-start arrives for a different id (defensive; the normal path
// is text-end before the next text-start).
func (a *Assembler) closeOpenTextIfDifferent(nextID string) {
	if a.openText != "" && a.openText != nextID {
		a.openText = ""
	}
}

// interruptOpenText applies the tool-call interruption rule: a
// tool-call chunk while a text part is open finalizes that text part,
// so the next delta (if any) starts a fresh one.
func (a *Assembler) interruptOpenText() {
	a.openText = ""
}

// Finished reports whether a terminal chunk (finish or error) was fed.
func (a *Assembler) Finished() bool { return a.finished }

// MessageID returns the id carried by the start chunk, if any.
func (a *Assembler) MessageID() string { return a.messageID }

// PartCount reports how many parts have been assembled so far.
func (a *Assembler) PartCount() int { return len(a.parts) }

// FinishReason returns the finish chunk's reason, if any.
func (a *Assembler) FinishReason() string { return a.finishReason }

// Message materializes the accumulated parts into a UIMessage.
func (a *Assembler) Message(id, role string) UIMessage {
	parts := make([]Part, 0, len(a.parts))
	for _, p := range a.parts {
		parts = append(parts, *p)
	}
	return UIMessage{ID: id, Role: role, Parts: parts}
}
