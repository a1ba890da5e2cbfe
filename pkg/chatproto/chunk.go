// Package chatproto implements the AI-SDK-style chat streaming wire
// protocol: the closed set of SSE chunk types the in-sandbox agent
// emits, and the UI message / part shapes assembled from them.
package chatproto

import "encoding/json"

// ChunkType is the closed set of chat stream chunk kinds.
type ChunkType string

const (
	ChunkStart               ChunkType = "start"
	ChunkTextStart            ChunkType = "text-start"
	ChunkTextDelta            ChunkType = "text-delta"
	ChunkTextEnd              ChunkType = "text-end"
	ChunkReasoningStart       ChunkType = "reasoning-start"
	ChunkReasoningDelta       ChunkType = "reasoning-delta"
	ChunkReasoningEnd         ChunkType = "reasoning-end"
	ChunkToolInputStart       ChunkType = "tool-input-start"
	ChunkToolInputDelta       ChunkType = "tool-input-delta"
	ChunkToolInputAvailable   ChunkType = "tool-input-available"
	ChunkToolOutputAvailable  ChunkType = "tool-output-available"
	ChunkToolOutputError      ChunkType = "tool-output-error"
	ChunkFinish               ChunkType = "finish"
	ChunkError                ChunkType = "error"
)

// DoneSentinel terminates every SSE stream.
const DoneSentinel = "[DONE]"

// StreamMessageHeader is set on every completion/stream response so
// downstream AI-SDK-style clients recognize the protocol.
const StreamMessageHeader = "x-vercel-ai-ui-message-stream"

// StreamMessageHeaderValue is the value the header carries.
const StreamMessageHeaderValue = "v1"

// Chunk is one SSE event's decoded JSON payload. Fields are a superset
// of every known chunk type's fields; unused fields are omitted on
// encode. Unknown chunk types round-trip via Raw.
type Chunk struct {
	Type          ChunkType       `json:"type"`
	MessageID     string          `json:"messageId,omitempty"`
	ID            string          `json:"id,omitempty"`
	Delta         string          `json:"delta,omitempty"`
	ToolCallID    string          `json:"toolCallId,omitempty"`
	ToolName      string          `json:"toolName,omitempty"`
	PartialInput  json.RawMessage `json:"partialInput,omitempty"`
	Input         json.RawMessage `json:"input,omitempty"`
	Output        json.RawMessage `json:"output,omitempty"`
	ErrorText     string          `json:"errorText,omitempty"`
	FinishReason  string          `json:"finishReason,omitempty"`

	// Raw preserves the chunk verbatim for unknown types and for
	// faithful re-emission to SSE clients regardless of which fields
	// this struct models.
	Raw json.RawMessage `json:"-"`
}

// MarshalSSE encodes the chunk as an SSE "data: <json>\n\n" frame. If
// Raw is set (as it is for every chunk parsed off the wire) it is used
// verbatim so unknown fields/types survive the round trip.
func (c Chunk) MarshalSSE() ([]byte, error) {
	var payload []byte
	if len(c.Raw) > 0 {
		payload = c.Raw
	} else {
		b, err := json.Marshal(c)
		if err != nil {
			return nil, err
		}
		payload = b
	}
	out := make([]byte, 0, len(payload)+8)
	out = append(out, "data: "...)
	out = append(out, payload...)
	out = append(out, '\n', '\n')
	return out, nil
}

// ParseChunk decodes one SSE data payload (without the "data: " prefix
// or trailing newlines) into a Chunk, preserving the original bytes in
// Raw.
func ParseChunk(data []byte) (Chunk, error) {
	var c Chunk
	if err := json.Unmarshal(data, &c); err != nil {
		return Chunk{}, err
	}
	c.Raw = append(json.RawMessage(nil), data...)
	return c, nil
}

// IsTerminal reports whether receiving this chunk ends a completion.
func (c Chunk) IsTerminal() bool {
	return c.Type == ChunkFinish || c.Type == ChunkError
}
