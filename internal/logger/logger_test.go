package logger

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestNew_TagsLinesWithService(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, "controller")

	log.Info("server listening", "port", 7070)

	line := buf.String()
	if !strings.Contains(line, `"service":"controller"`) {
		t.Errorf("log line missing service attribute: %s", line)
	}
	if !strings.Contains(line, `"port":7070`) {
		t.Errorf("log line missing caller attributes: %s", line)
	}
}

func TestWithRequestID_And_RequestIDFromContext(t *testing.T) {
	ctx := context.Background()
	requestID := "req-12345"

	if got := RequestIDFromContext(ctx); got != "" {
		t.Errorf("RequestIDFromContext() on empty ctx = %v, want empty", got)
	}

	ctx = WithRequestID(ctx, requestID)
	if got := RequestIDFromContext(ctx); got != requestID {
		t.Errorf("RequestIDFromContext() = %v, want %v", got, requestID)
	}
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := newLogger(&buf, "worker")
	ctx := context.Background()

	if FromContext(ctx, base) == nil {
		t.Error("FromContext() returned nil")
	}

	FromContext(WithRequestID(ctx, "req-67890"), base).Info("claimed run")
	if !strings.Contains(buf.String(), `"request_id":"req-67890"`) {
		t.Errorf("log line missing request_id: %s", buf.String())
	}
}
