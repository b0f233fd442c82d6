// Package wire implements the JSON-RPC 2.0 message shapes and framing this
// proxy speaks on both its stdio-facing leg (the IDE) and its per-backend leg
// (the spawned child processes). The trickiest part of "the wire format" —
// the id union (integer or string) and the structured error object — is not
// reimplemented here; both legs use jsonrpc2.ID and jsonrpc2.Error directly.
package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/margbug01/ace-proxy/internal/rpcerr"
)

var bom = []byte{0xef, 0xbb, 0xbf}

// NullID is the literal JSON "null", used as the id of a Response when the
// originating request's id could not even be parsed.
var NullID = json.RawMessage("null")

// Request is an inbound or outbound JSON-RPC request/notification. ID is nil
// for a notification. Params is passed through as raw bytes; callers decode
// only the sub-fields they need (e.g. a uri) rather than the whole payload.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *jsonrpc2.ID    `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification is true when the request carries no id.
func (r *Request) IsNotification() bool { return r.ID == nil }

// Response is an outbound JSON-RPC response. Exactly one of Result/Error is
// set. ID is carried as a raw message so a parse-error response can encode a
// literal JSON null, which jsonrpc2.ID's number-or-string union cannot.
type Response struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      json.RawMessage  `json:"id"`
	Result  interface{}      `json:"result,omitempty"`
	Error   *jsonrpc2.Error  `json:"error,omitempty"`
}

// backendResponse is what a spawned backend writes to its stdout: a response
// keyed by the proxy id we assigned it.
type backendResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *jsonrpc2.ID    `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpc2.Error `json:"error,omitempty"`
}

// ParseBackendResponse decodes one line of a backend's stdout as a response.
func ParseBackendResponse(line []byte) (id *jsonrpc2.ID, result json.RawMessage, rpcErr *jsonrpc2.Error, err error) {
	var br backendResponse
	if err := json.Unmarshal(line, &br); err != nil {
		return nil, nil, nil, err
	}
	return br.ID, br.Result, br.Error, nil
}

// EncodeBackendRequest serializes a request destined for a backend's stdin,
// with the given proxy id substituted for the client's original id.
func EncodeBackendRequest(method string, params json.RawMessage, proxyID uint64) ([]byte, error) {
	wr := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      jsonrpc2.ID     `json:"id"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
	}{
		JSONRPC: "2.0",
		ID:      jsonrpc2.ID{Num: proxyID},
		Method:  method,
		Params:  params,
	}
	return json.Marshal(&wr)
}

// EncodeBackendNotification serializes a fire-and-forget notification destined
// for a backend's stdin. It carries no id.
func EncodeBackendNotification(method string, params json.RawMessage) ([]byte, error) {
	wn := struct {
		JSONRPC string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
	}{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
	}
	return json.Marshal(&wn)
}

// NewResult builds a successful Response carrying the given client id.
func NewResult(id json.RawMessage, result interface{}) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Result: result}
}

// NewError builds a failure Response carrying the given client id.
func NewError(id json.RawMessage, code int64, message string) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Error: &jsonrpc2.Error{Code: code, Message: message}}
}

// NewParseError builds a -32700 Response with a null id, for messages that
// could not even be parsed enough to recover their original id.
func NewParseError(message string) *Response {
	return &Response{
		JSONRPC: "2.0",
		ID:      NullID,
		Error:   &jsonrpc2.Error{Code: rpcerr.CodeParseError, Message: message},
	}
}

// IDToRaw renders a jsonrpc2.ID back into the raw JSON it would have appeared
// as on the wire (a JSON number or a JSON string), for echoing a client's id
// back on its response.
func IDToRaw(id *jsonrpc2.ID) (json.RawMessage, error) {
	if id == nil {
		return NullID, nil
	}
	b, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

// Serialize marshals v and appends the trailing newline the proxy always uses
// on its outbound stdio, regardless of which framing the inbound message used.
func Serialize(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	b = append(b, '\n')
	return b, nil
}

// StripBOM removes a leading UTF-8 byte-order mark, if present.
func StripBOM(b []byte) []byte {
	return bytes.TrimPrefix(b, bom)
}

// ReadMessage reads one logical JSON-RPC message from r, transparently
// supporting both newline-delimited JSON and Content-Length-framed input. The
// reader decides per message: if the first non-empty line starts
// case-insensitively with "content-length:", header mode is used; otherwise
// the line itself is the message body. Returns io.EOF when the stream ends
// before any further message begins.
func ReadMessage(r *bufio.Reader) ([]byte, error) {
	for {
		line, err := r.ReadString('\n')
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			if err != nil {
				return nil, err
			}
			continue
		}

		if strings.HasPrefix(strings.ToLower(trimmed), "content-length:") {
			lenStr := strings.TrimSpace(strings.SplitN(trimmed, ":", 2)[1])
			contentLength, convErr := strconv.Atoi(lenStr)
			if convErr != nil {
				return nil, fmt.Errorf("invalid Content-Length header %q: %w", lenStr, convErr)
			}

			// Consume remaining headers up to the blank separator line.
			for {
				hdr, hErr := r.ReadString('\n')
				if strings.TrimRight(hdr, "\r\n") == "" {
					break
				}
				if hErr != nil {
					return nil, hErr
				}
			}

			buf := make([]byte, contentLength)
			if _, rErr := io.ReadFull(r, buf); rErr != nil {
				return nil, rErr
			}
			return StripBOM(buf), nil
		}

		return StripBOM([]byte(trimmed)), nil
	}
}
