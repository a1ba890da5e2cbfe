package sshgateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/crypto/ssh"
)

func TestParsePTYRequest(t *testing.T) {
	payload := ssh.Marshal(ptyRequest{
		Term: "xterm-256color", Cols: 120, Rows: 40, WidthPx: 960, HeightPx: 640, Modes: "",
	})
	req := parsePTYRequest(payload)
	assert.Equal(t, "xterm-256color", req.Term)
	assert.Equal(t, uint32(120), req.Cols)
	assert.Equal(t, uint32(40), req.Rows)
}

func TestParseEnvRequest(t *testing.T) {
	payload := ssh.Marshal(envRequest{Name: "LANG", Value: "en_US.UTF-8"})
	req := parseEnvRequest(payload)
	assert.Equal(t, "LANG", req.Name)
	assert.Equal(t, "en_US.UTF-8", req.Value)
}

func TestParseExecRequest(t *testing.T) {
	payload := ssh.Marshal(execRequest{Command: "ls -la /workspace"})
	req := parseExecRequest(payload)
	assert.Equal(t, "ls -la /workspace", req.Command)
}

func TestParseDirectTCPIPRequest(t *testing.T) {
	payload := ssh.Marshal(directTCPIPRequest{
		DestHost: "localhost", DestPort: 3000, OrigHost: "127.0.0.1", OrigPort: 52000,
	})
	req := parseDirectTCPIPRequest(payload)
	assert.Equal(t, "localhost", req.DestHost)
	assert.Equal(t, uint32(3000), req.DestPort)
}

// Malformed payloads degrade to zero values; nothing panics.
func TestParsersTolerateMalformedPayloads(t *testing.T) {
	garbage := [][]byte{
		nil,
		{},
		{0xff},
		{0x00, 0x00, 0x00, 0xff, 'x'}, // length prefix exceeds remaining bytes
	}
	for _, payload := range garbage {
		assert.Equal(t, ptyRequest{}, parsePTYRequest(payload))
		assert.Equal(t, envRequest{}, parseEnvRequest(payload))
		assert.Equal(t, execRequest{}, parseExecRequest(payload))
		assert.Equal(t, subsystemRequest{}, parseSubsystemRequest(payload))
		assert.Equal(t, windowChangeRequest{}, parseWindowChangeRequest(payload))
		assert.Equal(t, directTCPIPRequest{}, parseDirectTCPIPRequest(payload))
	}
}
