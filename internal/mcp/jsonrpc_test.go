package mcp

import (
	"encoding/json"
	"testing"
)

func TestNewRequest(t *testing.T) {
	req := NewRequest(42, "tools/list", map[string]any{"cursor": "abc"})

	if req.JSONRPC != "2.0" {
		t.Errorf("JSONRPC = %q, want %q", req.JSONRPC, "2.0")
	}
	if req.ID != 42 {
		t.Errorf("ID = %d, want 42", req.ID)
	}
	if req.Method != "tools/list" {
		t.Errorf("Method = %q, want %q", req.Method, "tools/list")
	}
}

func TestNotificationOmitsID(t *testing.T) {
	data, err := json.Marshal(NewNotification("notifications/initialized", nil))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"jsonrpc":"2.0","method":"notifications/initialized"}`
	if string(data) != want {
		t.Errorf("marshal = %s, want %s", data, want)
	}
}

func TestDecodeInbound(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    messageKind
		wantErr bool
	}{
		{"result response", `{"jsonrpc":"2.0","id":1,"result":{"tools":[]}}`, kindResponse, false},
		{"error response", `{"jsonrpc":"2.0","id":2,"error":{"code":-32601,"message":"nope"}}`, kindResponse, false},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/message","params":{}}`, kindNotification, false},
		{"null id notification", `{"jsonrpc":"2.0","id":null,"method":"notifications/progress"}`, kindNotification, false},
		{"server request", `{"jsonrpc":"2.0","id":"abc","method":"ping"}`, kindServerRequest, false},
		{"neither", `{"jsonrpc":"2.0"}`, kindInvalid, true},
		{"not json", `Starting SQL server...`, kindInvalid, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, kind, err := decodeInbound([]byte(tt.line))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if kind != tt.want {
				t.Errorf("kind = %v, want %v", kind, tt.want)
			}
		})
	}
}

func TestInboundResponseID(t *testing.T) {
	msg, _, err := decodeInbound([]byte(`{"jsonrpc":"2.0","id":17,"result":{}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if id, ok := msg.responseID(); !ok || id != 17 {
		t.Errorf("responseID() = %d, %v, want 17, true", id, ok)
	}

	msg, _, err = decodeInbound([]byte(`{"jsonrpc":"2.0","id":"x-1","result":{}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := msg.responseID(); ok {
		t.Error("responseID() ok for string id, want false")
	}
}

func TestRPCError_Error(t *testing.T) {
	err := &RPCError{Code: -32600, Message: "Invalid Request"}
	want := "jsonrpc error -32600: Invalid Request"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
