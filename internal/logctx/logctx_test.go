package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestHandler_AddsContextGroups(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(Handler{Handler: slog.NewJSONHandler(&buf, nil)}).With(slog.String("component", "test"))

	cookie := uint64(3)
	ctx := WithEndpointData(context.Background(), &EndpointData{EndpointID: "ep-1", Framing: "lines"})
	ctx = WithRPCMessage(ctx, &RPCMessage{Method: "textDocument/hover", ID: "4", Type: "request", Cookie: &cookie})
	ctx = WithDocumentData(ctx, &DocumentData{URI: "file:///a.c"})

	log.InfoContext(ctx, "hello")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line: %v (%s)", err, buf.String())
	}
	if rec["component"] != "test" {
		t.Fatalf("WithAttrs lost: %v", rec)
	}
	rpc, ok := rec["rpc"].(map[string]any)
	if !ok || rpc["method"] != "textDocument/hover" || rpc["id"] != "4" || rpc["cookie"] != float64(3) {
		t.Fatalf("rpc group missing or wrong: %v", rec["rpc"])
	}
	ep, ok := rec["endpoint"].(map[string]any)
	if !ok || ep["id"] != "ep-1" {
		t.Fatalf("endpoint group missing or wrong: %v", rec["endpoint"])
	}
	doc, ok := rec["doc"].(map[string]any)
	if !ok || doc["uri"] != "file:///a.c" {
		t.Fatalf("doc group missing or wrong: %v", rec["doc"])
	}
}
