package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/dizzyvn/kumiai/internal/logger"
)

func TestLogger_Record(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, true)

	l.Record(context.Background(), OpQueueClear, "s1", nil, map[string]any{"cleared": 3})

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("audit line is not JSON: %v", err)
	}
	if line["operation"] != "queue.clear" {
		t.Errorf("operation = %v, want queue.clear", line["operation"])
	}
	if line["success"] != true {
		t.Errorf("success = %v, want true", line["success"])
	}
	if line["session_id"] != "s1" {
		t.Errorf("session_id = %v, want s1", line["session_id"])
	}
	if line["details"] != `{"cleared":3}` {
		t.Errorf("details = %v", line["details"])
	}
}

func TestLogger_RecordFailure(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, true)

	ctx := context.WithValue(context.Background(), logger.ContextKeyRequestID, "req-1")
	ctx = logger.WithSender(ctx, "agent-7")
	l.Record(ctx, OpSessionResume, "s1", errors.New("conflict"), nil)

	var line map[string]any
	_ = json.Unmarshal(buf.Bytes(), &line)
	if line["success"] != false || line["error"] != "conflict" {
		t.Errorf("line = %v", line)
	}
	if line["request_id"] != "req-1" || line["sender"] != "agent-7" {
		t.Errorf("request attribution missing: %v", line)
	}
}

func TestLogger_Disabled(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, false)
	l.Record(context.Background(), OpSessionInterrupt, "s1", nil, nil)
	if buf.Len() != 0 {
		t.Errorf("disabled logger wrote %q", buf.String())
	}

	var nilLogger *Logger
	nilLogger.Record(context.Background(), OpSessionInterrupt, "s1", nil, nil)
}
