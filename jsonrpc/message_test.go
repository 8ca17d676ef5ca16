package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// sameNumber compares numbers by value across Go and decoded types.
var sameNumber = cmp.FilterValues(func(x, y any) bool {
	return isNumeric(x) && isNumeric(y)
}, cmp.Comparer(func(x, y any) bool {
	return fmt.Sprint(x) == fmt.Sprint(y)
}))

func isNumeric(v any) bool {
	switch v.(type) {
	case json.Number, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	}
	return false
}

func TestRequestRoundTrip(t *testing.T) {
	cbor, err := NewCBORCodec()
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		req  *Request
	}{
		{"V2Positional", NewRequest(V2, 1, "add", ByPosition(json.Number("5"), json.Number("6")))},
		{"V2Named", NewRequest(V2, "abc", "add", ByName(map[string]any{"x": json.Number("5"), "y": "z"}))},
		{"V2EmptyNamed", NewRequest(V2, 7, "ping", ByName(nil))},
		{"V2NoParams", NewRequest(V2, 7, "ping", Params{})},
		{"V2Notification", NewNotification(V2, "log", ByPosition("hello", true, nil))},
		{"V2ZeroID", NewRequest(V2, 0, "ping", Params{})},
		{"V2Nested", NewRequest(V2, 2, "store", ByPosition(map[string]any{"k": []any{"v", false}}))},
		{"V1Positional", NewRequest(V1, 3, "add", ByPosition(json.Number("1"), json.Number("2")))},
		{"V1NoParams", NewRequest(V1, "q", "ping", Params{})},
		{"V1Notification", NewNotification(V1, "log", ByPosition("x"))},
		{"V2GoNumbers", NewRequest(V2, 8, "add", ByPosition(5, int64(-6), 2.5))},
		{"V2GoNumbersNamed", NewRequest(V2, 9, "add", ByName(map[string]any{"x": uint8(5), "y": []any{1, 2}}))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodeRequest(DefaultConfig(), tt.req)
			if err != nil {
				t.Fatalf("EncodeRequest: %v", err)
			}
			p, fault := ParsePayload(DefaultConfig(), data)
			if fault != nil {
				t.Fatalf("ParsePayload(%s): %v", data, fault.Fault)
			}
			if p.Batch || len(p.Members) != 1 {
				t.Fatalf("got %+v, want one member", p)
			}
			if diff := cmp.Diff(tt.req, p.Members[0].Request, sameNumber); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s\nwire: %s", diff, data)
			}
		})
	}

	t.Run("CBOR", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Codec = cbor
		want := []*Request{
			NewRequest(V2, "a", "echo", ByPosition("x", true, nil)),
			NewNotification(V2, "log", ByName(map[string]any{"level": "info"})),
			NewRequest(V1, 4, "echo", ByPosition("y")),
		}
		data, err := EncodeBatch(cfg, want)
		if err != nil {
			t.Fatalf("EncodeBatch: %v", err)
		}
		p, fault := ParsePayload(cfg, data)
		if fault != nil {
			t.Fatalf("ParsePayload: %v", fault.Fault)
		}
		if diff := cmp.Diff(want, p.Requests()); diff != "" {
			t.Errorf("round trip mismatch (-want +got):\n%s", diff)
		}
	})
}

func decodeWire(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return m
}

func TestRequestWireShape(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name string
		req  *Request
		want map[string]any
	}{
		{
			"V2Call",
			NewRequest(V2, 1, "add", ByPosition(5, 6)),
			map[string]any{"jsonrpc": "2.0", "id": float64(1), "method": "add", "params": []any{float64(5), float64(6)}},
		},
		{
			"V2NotificationOmitsID",
			NewNotification(V2, "ping", Params{}),
			map[string]any{"jsonrpc": "2.0", "method": "ping"},
		},
		{
			"V1NotificationNullID",
			NewNotification(V1, "ping", Params{}),
			map[string]any{"id": nil, "method": "ping", "params": []any{}},
		},
		{
			"V1CallAlwaysHasParams",
			NewRequest(V1, "x", "ping", Params{}),
			map[string]any{"id": "x", "method": "ping", "params": []any{}},
		},
		{
			"VersionFromConfig",
			&Request{ID: int64(1), Method: "ping"},
			map[string]any{"jsonrpc": "2.0", "id": float64(1), "method": "ping"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodeRequest(cfg, tt.req)
			if err != nil {
				t.Fatalf("EncodeRequest: %v", err)
			}
			if diff := cmp.Diff(tt.want, decodeWire(t, data)); diff != "" {
				t.Errorf("wire mismatch (-want +got):\n%s", diff)
			}
		})
	}

	if _, err := EncodeRequest(cfg, NewRequest(V1, 1, "add", ByName(map[string]any{"x": 1}))); err == nil {
		t.Error("expected error for keyed params under 1.0")
	}
	if _, err := EncodeBatch(cfg, nil); err == nil {
		t.Error("expected error for empty batch")
	}
}

func TestResponseWireShape(t *testing.T) {
	cfg := DefaultConfig()
	fault := NewFault(CodeMethodNotFound, "Method not found").WithData("bogus")

	tests := []struct {
		name string
		resp *Response
		want map[string]any
	}{
		{
			"V2Result",
			resultResponse(V2, int64(1), "ok"),
			map[string]any{"jsonrpc": "2.0", "id": float64(1), "result": "ok"},
		},
		{
			"V2NullResult",
			resultResponse(V2, int64(1), nil),
			map[string]any{"jsonrpc": "2.0", "id": float64(1), "result": nil},
		},
		{
			"V2Fault",
			faultResponse(V2, nil, fault),
			map[string]any{"jsonrpc": "2.0", "id": nil, "error": map[string]any{"code": float64(-32601), "message": "Method not found", "data": "bogus"}},
		},
		{
			"V1Result",
			resultResponse(V1, "a", float64(3)),
			map[string]any{"id": "a", "result": float64(3), "error": nil},
		},
		{
			"V1Fault",
			faultResponse(V1, "a", NewFault(1, "app")),
			map[string]any{"id": "a", "result": nil, "error": map[string]any{"code": float64(1), "message": "app"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodeResponse(cfg, tt.resp)
			if err != nil {
				t.Fatalf("EncodeResponse: %v", err)
			}
			if diff := cmp.Diff(tt.want, decodeWire(t, data)); diff != "" {
				t.Errorf("wire mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseResponses(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name      string
		body      string
		want      []*Response
		wantBatch bool
		wantErr   bool
	}{
		{
			name: "V2Result",
			body: `{"jsonrpc":"2.0","result":"ok","id":1}`,
			want: []*Response{{Version: V2, ID: int64(1), Result: "ok"}},
		},
		{
			name: "V1ResultWithNullError",
			body: `{"result":"ok","error":null,"id":"x"}`,
			want: []*Response{{Version: V1, ID: "x", Result: "ok"}},
		},
		{
			name: "Fault",
			body: `{"jsonrpc":"2.0","error":{"code":-32601,"message":"Method not found","data":"bogus"},"id":1}`,
			want: []*Response{{Version: V2, ID: int64(1), Fault: &Fault{Code: -32601, Message: "Method not found", Data: "bogus"}}},
		},
		{
			name: "NonObjectError",
			body: `{"result":null,"error":"boom","id":1}`,
			want: []*Response{{Version: V1, ID: int64(1), Fault: &Fault{Code: CodeServerError, Message: "boom", Data: "boom"}}},
		},
		{
			name:      "Batch",
			body:      `[{"jsonrpc":"2.0","result":1,"id":1},{"jsonrpc":"2.0","result":2,"id":2}]`,
			want:      []*Response{{Version: V2, ID: int64(1), Result: json.Number("1")}, {Version: V2, ID: int64(2), Result: json.Number("2")}},
			wantBatch: true,
		},
		{name: "NotJSON", body: `{oops`, wantErr: true},
		{name: "Scalar", body: `5`, wantErr: true},
		{name: "NoResultOrError", body: `{"jsonrpc":"2.0","id":1}`, wantErr: true},
		{name: "FutureVersion", body: `{"jsonrpc":"3.0","result":1,"id":1}`, wantErr: true},
		{name: "BatchMemberNotObject", body: `[{"jsonrpc":"2.0","result":1,"id":1}, 7]`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, batch, err := ParseResponses(cfg, []byte(tt.body))
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidResponse) {
					t.Fatalf("got error %v, want ErrInvalidResponse", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseResponses: %v", err)
			}
			if batch != tt.wantBatch {
				t.Errorf("got batch %v, want %v", batch, tt.wantBatch)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEncodeReplyFallback(t *testing.T) {
	cfg := DefaultConfig()
	responses := []*Response{
		resultResponse(V2, int64(1), "fine"),
		resultResponse(V2, int64(2), make(chan int)),
	}

	reply := EncodeReply(cfg, responses, true)
	if reply.Status != StatusOK {
		t.Errorf("got status %v, want ok", reply.Status)
	}
	var got []map[string]any
	if err := json.Unmarshal(reply.Body, &got); err != nil {
		t.Fatalf("unmarshal %s: %v", reply.Body, err)
	}
	if len(got) != 2 || got[0]["result"] != "fine" {
		t.Fatalf("got %v, want first result kept", got)
	}
	errObj, ok := got[1]["error"].(map[string]any)
	if !ok || errObj["code"] != float64(CodeInternalError) || got[1]["id"] != float64(2) {
		t.Errorf("got %v, want internal error for id 2", got[1])
	}
}

func TestJSONCodecRejectsTrailingData(t *testing.T) {
	var v any
	if err := (JSONCodec{}).Unmarshal([]byte(`{"a":1} {"b":2}`), &v); err == nil {
		t.Error("expected error for trailing data")
	}
	if err := (JSONCodec{}).Unmarshal([]byte(`{"a":1}  `), &v); err != nil {
		t.Errorf("trailing whitespace rejected: %v", err)
	}
	data, err := (JSONCodec{}).Marshal(map[string]string{"h": "<b>"})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"h":"<b>"}` {
		t.Errorf("got %s, want HTML left unescaped and no newline", data)
	}
}

func TestFaultClassification(t *testing.T) {
	for _, code := range []int{CodeParseError, CodeInvalidRequest, CodeMethodNotFound, CodeInvalidParams, CodeInternalError, CodeServerError, -32099} {
		if NewFault(code, "").IsApplication() {
			t.Errorf("code %d reported as application", code)
		}
	}
	for _, code := range []int{0, 1, -1, -31999, -32769} {
		if !NewFault(code, "").IsApplication() {
			t.Errorf("code %d reported as reserved", code)
		}
	}
}
