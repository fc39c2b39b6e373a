package stratum

import (
	"bytes"
	"encoding/json"
)

// request is an outbound JSON-RPC call.
type request struct {
	ID     uint64      `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params"`
}

// message is any inbound line: a response (ID set) or a server
// notification (Method set, ID absent or null).
type message struct {
	ID     *uint64         `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

func (m *message) isNotification() bool {
	return m.Method != "" && m.ID == nil
}

func (m *message) hasError() bool {
	return len(m.Error) > 0 && !bytes.Equal(m.Error, []byte("null"))
}

// errorText extracts a human-readable message from the error field, which
// pools send as a bare string, a {code,message} object, or a
// [code, message, traceback] array.
func errorText(raw json.RawMessage) string {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}

	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}

	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &obj) == nil && obj.Message != "" {
		return obj.Message
	}

	var arr []json.RawMessage
	if json.Unmarshal(raw, &arr) == nil && len(arr) >= 2 {
		if json.Unmarshal(arr[1], &s) == nil {
			return s
		}
	}

	return string(raw)
}

// boolResult interprets a response result as a share/auth verdict. A null
// result with no error counts as success on some pools.
func boolResult(m *message) bool {
	if m.hasError() {
		return false
	}
	if len(m.Result) == 0 || bytes.Equal(m.Result, []byte("null")) {
		return true
	}
	var b bool
	if json.Unmarshal(m.Result, &b) == nil {
		return b
	}
	// Non-boolean result without an error, e.g. an object. Treat as
	// success.
	return true
}
