package sshgateway

import "golang.org/x/crypto/ssh"

// Request payload shapes per the SSH connection protocol's
// length-prefixed encoding. Parsers tolerate malformed payloads by
// returning zero values instead of failing the channel.

type ptyRequest struct {
	Term     string
	Cols     uint32
	Rows     uint32
	WidthPx  uint32
	HeightPx uint32
	Modes    string
}

type envRequest struct {
	Name  string
	Value string
}

type execRequest struct {
	Command string
}

type subsystemRequest struct {
	Name string
}

type windowChangeRequest struct {
	Cols     uint32
	Rows     uint32
	WidthPx  uint32
	HeightPx uint32
}

// directTCPIPRequest is the channel-open payload of a direct-tcpip
// forward: destination first, then originator.
type directTCPIPRequest struct {
	DestHost string
	DestPort uint32
	OrigHost string
	OrigPort uint32
}

type exitStatusMsg struct {
	Status uint32
}

func parsePTYRequest(payload []byte) ptyRequest {
	var req ptyRequest
	if err := ssh.Unmarshal(payload, &req); err != nil {
		return ptyRequest{}
	}
	return req
}

func parseEnvRequest(payload []byte) envRequest {
	var req envRequest
	if err := ssh.Unmarshal(payload, &req); err != nil {
		return envRequest{}
	}
	return req
}

func parseExecRequest(payload []byte) execRequest {
	var req execRequest
	if err := ssh.Unmarshal(payload, &req); err != nil {
		return execRequest{}
	}
	return req
}

func parseSubsystemRequest(payload []byte) subsystemRequest {
	var req subsystemRequest
	if err := ssh.Unmarshal(payload, &req); err != nil {
		return subsystemRequest{}
	}
	return req
}

func parseWindowChangeRequest(payload []byte) windowChangeRequest {
	var req windowChangeRequest
	if err := ssh.Unmarshal(payload, &req); err != nil {
		return windowChangeRequest{}
	}
	return req
}

func parseDirectTCPIPRequest(payload []byte) directTCPIPRequest {
	var req directTCPIPRequest
	if err := ssh.Unmarshal(payload, &req); err != nil {
		return directTCPIPRequest{}
	}
	return req
}
