package jsonrpc

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestErrorResponseCarriesNullID(t *testing.T) {
	// A parse error has no readable request id; the response must still
	// carry an explicit id member set to null.
	b, err := json.Marshal(NewErrorResponse(nil, ErrorCodeParseError, "parse error", nil))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(b), `"id":null`) {
		t.Fatalf(`frame missing "id":null: %s`, b)
	}
}

func TestResponseEchoesRequestID(t *testing.T) {
	for name, wire := range map[string]string{
		"number": `{"jsonrpc":"2.0","id":7,"method":"ping"}`,
		"string": `{"jsonrpc":"2.0","id":"abc","method":"ping"}`,
	} {
		t.Run(name, func(t *testing.T) {
			var msg AnyMessage
			if err := json.Unmarshal([]byte(wire), &msg); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			res, err := NewResultResponse(msg.ID, struct{}{})
			if err != nil {
				t.Fatalf("build response: %v", err)
			}
			b, err := json.Marshal(res)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}

			var echoed struct {
				ID json.RawMessage `json:"id"`
			}
			if err := json.Unmarshal(b, &echoed); err != nil {
				t.Fatalf("decode frame: %v", err)
			}
			var orig struct {
				ID json.RawMessage `json:"id"`
			}
			_ = json.Unmarshal([]byte(wire), &orig)
			if string(echoed.ID) != string(orig.ID) {
				t.Errorf("id round-trip: sent %s, echoed %s", orig.ID, echoed.ID)
			}
		})
	}
}

func TestRequestIDRejectsStructuredValues(t *testing.T) {
	var id RequestID
	if err := id.UnmarshalJSON([]byte(`{"a":1}`)); err == nil {
		t.Fatal("object id should be rejected")
	}
	if err := id.UnmarshalJSON([]byte(`[1]`)); err == nil {
		t.Fatal("array id should be rejected")
	}
}
