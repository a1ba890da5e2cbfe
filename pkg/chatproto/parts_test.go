package chatproto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feed(a *Assembler, chunks ...Chunk) {
	for _, c := range chunks {
		a.Feed(c)
	}
}

func TestAssemblerTextAndReasoning(t *testing.T) {
	a := NewAssembler()
	feed(a,
		Chunk{Type: ChunkStart, MessageID: "msg_1"},
		Chunk{Type: ChunkReasoningStart, ID: "r1"},
		Chunk{Type: ChunkReasoningDelta, ID: "r1", Delta: "thinking "},
		Chunk{Type: ChunkReasoningDelta, ID: "r1", Delta: "hard"},
		Chunk{Type: ChunkReasoningEnd, ID: "r1"},
		Chunk{Type: ChunkTextStart, ID: "t1"},
		Chunk{Type: ChunkTextDelta, ID: "t1", Delta: "hel"},
		Chunk{Type: ChunkTextDelta, ID: "t1", Delta: "lo"},
		Chunk{Type: ChunkTextEnd, ID: "t1"},
		Chunk{Type: ChunkFinish, FinishReason: "stop"},
	)

	require.True(t, a.Finished())
	assert.Equal(t, "stop", a.FinishReason())
	assert.Equal(t, "msg_1", a.MessageID())

	msg := a.Message("msg_1", "assistant")
	require.Len(t, msg.Parts, 2)
	assert.Equal(t, PartTypeReasoning, msg.Parts[0].Type)
	assert.Equal(t, "thinking hard", msg.Parts[0].Text)
	assert.Equal(t, PartTypeText, msg.Parts[1].Type)
	assert.Equal(t, "hello", msg.Parts[1].Text)
}

// One dynamic-tool part per unique toolCallId, driven through its state
// machine.
func TestAssemblerToolLifecycle(t *testing.T) {
	a := NewAssembler()
	feed(a,
		Chunk{Type: ChunkToolInputStart, ToolCallID: "call_1", ToolName: "read_file"},
		Chunk{Type: ChunkToolInputDelta, ToolCallID: "call_1", PartialInput: json.RawMessage(`{"pa`)},
		Chunk{Type: ChunkToolInputAvailable, ToolCallID: "call_1", ToolName: "read_file", Input: json.RawMessage(`{"path":"a.txt"}`)},
		Chunk{Type: ChunkToolOutputAvailable, ToolCallID: "call_1", Output: json.RawMessage(`{"content":"hi"}`)},
		Chunk{Type: ChunkToolInputStart, ToolCallID: "call_2", ToolName: "run"},
		Chunk{Type: ChunkToolInputAvailable, ToolCallID: "call_2", ToolName: "run", Input: json.RawMessage(`{}`)},
		Chunk{Type: ChunkToolOutputError, ToolCallID: "call_2", ErrorText: "boom"},
		Chunk{Type: ChunkFinish, FinishReason: "stop"},
	)

	msg := a.Message("m", "assistant")
	require.Len(t, msg.Parts, 2)

	first := msg.Parts[0]
	assert.Equal(t, PartTypeDynamicTool, first.Type)
	assert.Equal(t, "call_1", first.ToolCallID)
	assert.Equal(t, "read_file", first.ToolName)
	assert.Equal(t, ToolStateOutputAvailable, first.State)
	assert.JSONEq(t, `{"path":"a.txt"}`, string(first.Input))
	assert.JSONEq(t, `{"content":"hi"}`, string(first.Output))

	second := msg.Parts[1]
	assert.Equal(t, ToolStateOutputError, second.State)
	assert.Equal(t, "boom", second.ErrorText)
}

// A tool call arriving while a text part is open finalizes it; the next
// text-start opens a fresh part.
func TestAssemblerToolInterruptsText(t *testing.T) {
	a := NewAssembler()
	feed(a,
		Chunk{Type: ChunkTextStart, ID: "t1"},
		Chunk{Type: ChunkTextDelta, ID: "t1", Delta: "before"},
		Chunk{Type: ChunkToolInputStart, ToolCallID: "call_1", ToolName: "x"},
		Chunk{Type: ChunkToolInputAvailable, ToolCallID: "call_1", Input: json.RawMessage(`{}`)},
		Chunk{Type: ChunkToolOutputAvailable, ToolCallID: "call_1", Output: json.RawMessage(`{}`)},
		Chunk{Type: ChunkTextStart, ID: "t2"},
		Chunk{Type: ChunkTextDelta, ID: "t2", Delta: "after"},
		Chunk{Type: ChunkTextEnd, ID: "t2"},
		Chunk{Type: ChunkFinish},
	)

	msg := a.Message("m", "assistant")
	require.Len(t, msg.Parts, 3)
	assert.Equal(t, "before", msg.Parts[0].Text)
	assert.Equal(t, PartTypeDynamicTool, msg.Parts[1].Type)
	assert.Equal(t, "after", msg.Parts[2].Text)
}

func TestAssemblerIgnoresUnknownChunkTypes(t *testing.T) {
	a := NewAssembler()
	feed(a,
		Chunk{Type: "future-chunk-type"},
		Chunk{Type: ChunkTextStart, ID: "t1"},
		Chunk{Type: ChunkTextDelta, ID: "t1", Delta: "ok"},
		Chunk{Type: ChunkFinish},
	)
	msg := a.Message("m", "assistant")
	require.Len(t, msg.Parts, 1)
	assert.Equal(t, "ok", msg.Parts[0].Text)
}

func TestChunkSSERoundTrip(t *testing.T) {
	raw := []byte(`{"type":"text-delta","id":"t1","delta":"hi","futureField":42}`)
	c, err := ParseChunk(raw)
	require.NoError(t, err)
	assert.Equal(t, ChunkTextDelta, c.Type)
	assert.Equal(t, "hi", c.Delta)

	frame, err := c.MarshalSSE()
	require.NoError(t, err)
	// Unknown fields survive because Raw is re-emitted verbatim.
	assert.Equal(t, "data: "+string(raw)+"\n\n", string(frame))
}

func TestPartUnknownTypeRoundTrip(t *testing.T) {
	raw := []byte(`{"type":"file-attachment","url":"u","size":7}`)
	var p Part
	require.NoError(t, json.Unmarshal(raw, &p))
	p.Raw = raw

	out, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(out))
}

func TestChunkIsTerminal(t *testing.T) {
	assert.True(t, Chunk{Type: ChunkFinish}.IsTerminal())
	assert.True(t, Chunk{Type: ChunkError}.IsTerminal())
	assert.False(t, Chunk{Type: ChunkTextDelta}.IsTerminal())
}
