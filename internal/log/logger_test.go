package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"wallet/internal/core"
)

func jsonLogger(buf *bytes.Buffer, level slog.Level) *Logger {
	return New(Config{Level: level, Format: "json", Component: ComponentLedger, Output: buf})
}

func lastRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &rec); err != nil {
		t.Fatalf("invalid json log line %q: %v", lines[len(lines)-1], err)
	}
	return rec
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"", slog.LevelInfo, false},
		{" INFO ", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"trace", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLoggerStampsComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := jsonLogger(&buf, slog.LevelInfo)

	logger.Info("hello", FieldUsername, "alice")
	rec := lastRecord(t, &buf)
	if rec[FieldComponent] != ComponentLedger || rec[FieldUsername] != "alice" {
		t.Errorf("unexpected record %v", rec)
	}

	logger.WithComponent(ComponentWorker).With(FieldRequestID, "r1").Warn("moved")
	rec = lastRecord(t, &buf)
	if rec[FieldComponent] != ComponentWorker || rec[FieldRequestID] != "r1" {
		t.Errorf("unexpected record %v", rec)
	}

	buf.Reset()
	logger.Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("debug should be filtered at info level, got %q", buf.String())
	}
}

func TestFromContext(t *testing.T) {
	if l := FromContext(context.Background()); l == nil || l.Component() != "unknown" {
		t.Fatalf("fallback logger = %+v", l)
	}

	logger := Discard().WithComponent(ComponentHTTP)
	ctx := context.WithValue(context.Background(), LoggerContextKey, logger)
	if FromContext(ctx) != logger {
		t.Error("expected the installed logger")
	}
}

func TestStructuredLogger(t *testing.T) {
	var buf bytes.Buffer
	sl := NewStructuredLogger(jsonLogger(&buf, slog.LevelDebug))
	ctx := context.Background()

	r := httptest.NewRequest("GET", "/reports/summary?from=2024-01-01", nil)
	sl.LogHTTPEnd(ctx, r, 503, 12, "10.0.0.1")
	rec := lastRecord(t, &buf)
	if rec["level"] != "ERROR" || rec[FieldQuery] != "from=2024-01-01" || rec[FieldSuccess] != false {
		t.Errorf("unexpected http record %v", rec)
	}

	tx := core.Transaction{ID: 7, ProfileID: 3, Amount: core.MoneyFromCents(1250), Category: "food"}
	sl.LogLedgerChange(ctx, OpAdd, tx, core.Profile{ID: 3, Balance: core.MoneyFromCents(-1250)})
	rec = lastRecord(t, &buf)
	if rec[FieldAmount] != "12.5" || rec[FieldBalance] != "-12.5" || rec[FieldOperation] != OpAdd {
		t.Errorf("unexpected ledger record %v", rec)
	}

	sl.LogError(ctx, "boom", errors.New("disk full"), ComponentBackend, OpStartup, NewFields().WithRequestID("r9"))
	rec = lastRecord(t, &buf)
	if rec[FieldError] != "disk full" || rec[FieldRequestID] != "r9" || rec[FieldComponent] != ComponentBackend {
		t.Errorf("unexpected error record %v", rec)
	}
}
