package domain

import "encoding/json"

// ToolInvocation is a function call requested by the remote assistant.
// It lives only for one request/response round trip on the control channel.
type ToolInvocation struct {
	Name      string
	Arguments json.RawMessage
	CallID    string
}
