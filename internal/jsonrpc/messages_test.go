package jsonrpc

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name       string
		in         string
		wantMethod string
		wantID     string
		notify     bool
		wantErr    bool
		wantBatch  bool
	}{
		{name: "request numeric id", in: `{"jsonrpc":"2.0","id":1,"method":"echo","params":"hi"}`, wantMethod: "echo", wantID: "1"},
		{name: "request string id", in: `{"jsonrpc":"2.0","id":"a","method":"version"}`, wantMethod: "version", wantID: "a"},
		{name: "notification", in: `{"jsonrpc":"2.0","method":"ping","params":3}`, wantMethod: "ping", notify: true},
		{name: "batch", in: ` [{"jsonrpc":"2.0","id":1,"method":"echo"}]`, wantErr: true, wantBatch: true},
		{name: "wrong version", in: `{"jsonrpc":"1.0","id":1,"method":"echo"}`, wantErr: true},
		{name: "response", in: `{"jsonrpc":"2.0","id":1,"result":true}`, wantErr: true},
		{name: "garbage", in: `{`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := Decode([]byte(tt.in))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				if tt.wantBatch != errors.Is(err, ErrBatchUnsupported) {
					t.Fatalf("batch error mismatch: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if req.Method != tt.wantMethod {
				t.Fatalf("method: got %q want %q", req.Method, tt.wantMethod)
			}
			if req.IsNotification() != tt.notify {
				t.Fatalf("notification: got %v", req.IsNotification())
			}
			if req.ID.String() != tt.wantID {
				t.Fatalf("id: got %q want %q", req.ID.String(), tt.wantID)
			}
		})
	}
}

func TestErrorResponseWithNilID(t *testing.T) {
	res := NewErrorResponse(nil, ErrorCodeParseError, "parse error", nil)
	b, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"jsonrpc":"2.0","error":{"code":-32700,"message":"parse error"},"id":null}`
	if string(b) != want {
		t.Fatalf("got %s\nwant %s", b, want)
	}
}
