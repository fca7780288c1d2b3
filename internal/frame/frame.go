// Package frame implements the text frame grammar spoken on client connections
package frame

import (
	"strings"
)

// Commands sent by clients
const (
	CmdConnect     = "CONNECT"
	CmdSubscribe   = "SUBSCRIBE"
	CmdUnsubscribe = "UNSUBSCRIBE"
	CmdSend        = "SEND"
	CmdDisconnect  = "DISCONNECT"
)

// Commands emitted by the broker
const (
	CmdConnected = "CONNECTED"
	CmdMessage   = "MESSAGE"
	CmdReceipt   = "RECEIPT"
	CmdError     = "ERROR"
)

// Header is a single key:value pair. Header order is preserved so a frame
// serializes the way it was built.
type Header struct {
	Key   string
	Value string
}

// Frame is one complete protocol message: command line, header block, body.
type Frame struct {
	Command string
	Headers []Header
	Body    string
}

// New builds a frame from a command and alternating key, value strings.
func New(command string, body string, kv ...string) *Frame {
	f := &Frame{Command: command, Body: body}
	for i := 0; i+1 < len(kv); i += 2 {
		f.Headers = append(f.Headers, Header{Key: kv[i], Value: kv[i+1]})
	}
	return f
}

// Header returns the value of the first header with the given key.
func (f *Frame) Header(key string) (string, bool) {
	for _, h := range f.Headers {
		if h.Key == key {
			return h.Value, true
		}
	}
	return "", false
}

// HeaderValue is Header without the presence flag, for optional headers.
func (f *Frame) HeaderValue(key string) string {
	v, _ := f.Header(key)
	return v
}

// Parse splits the accumulated text of one frame into command, headers and
// body. The first line is the command, header lines run until the first empty
// line, everything after is the body. A header line without a colon is
// dropped, not fatal.
func Parse(text string) *Frame {
	lines := strings.Split(text, "\n")
	f := &Frame{Command: strings.TrimSpace(lines[0])}

	idx := 1
	for idx < len(lines) {
		line := strings.TrimSpace(lines[idx])
		idx++
		if line == "" {
			break
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		f.Headers = append(f.Headers, Header{Key: key, Value: value})
	}

	f.Body = strings.TrimSpace(strings.Join(lines[idx:], "\n"))
	return f
}

// String renders the frame in wire form without the terminator byte.
func (f *Frame) String() string {
	var sb strings.Builder
	sb.WriteString(f.Command)
	sb.WriteByte('\n')
	for _, h := range f.Headers {
		sb.WriteString(h.Key)
		sb.WriteByte(':')
		sb.WriteString(h.Value)
		sb.WriteByte('\n')
	}
	sb.WriteByte('\n')
	sb.WriteString(f.Body)
	return sb.String()
}
