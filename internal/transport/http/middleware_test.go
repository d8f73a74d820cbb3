package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/cimillas/bookingflow/internal/booking"
	"github.com/cimillas/bookingflow/internal/domain"
)

func decodeLogLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	return line
}

func TestRequestLogger_LogsStatusAndPath(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	logger := zerolog.New(buf)

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	req := httptest.NewRequest(http.MethodPut, "/orders/o-1", nil)
	rec := httptest.NewRecorder()

	RequestLogger(logger)(handler).ServeHTTP(rec, req)

	line := decodeLogLine(t, buf)
	if line["method"] != http.MethodPut {
		t.Fatalf("expected method in log, got %v", line)
	}
	if line["path"] != "/orders/o-1" {
		t.Fatalf("expected path in log, got %v", line)
	}
	if line["status"] != float64(http.StatusCreated) {
		t.Fatalf("expected status in log, got %v", line)
	}
}

func TestRequestLogger_DefaultsTo200(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	logger := zerolog.New(buf)

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	RequestLogger(logger)(handler).ServeHTTP(rec, req)

	if line := decodeLogLine(t, buf); line["status"] != float64(http.StatusOK) {
		t.Fatalf("expected default status 200 in log, got %v", line)
	}
}

func TestRecover_ContractViolation(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(&booking.ContractViolation{Message: "store returned 2 ids for 1 item"})
	})

	req := httptest.NewRequest(http.MethodPut, "/orders/o-1", nil)
	rec := httptest.NewRecorder()
	Recover(zerolog.Nop())(handler).ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", rec.Code)
	}
	if got := decodeError(t, rec).Type; got != domain.KindInternalLibraryConfiguration {
		t.Fatalf("expected %s, got %s", domain.KindInternalLibraryConfiguration, got)
	}
}

func TestRecover_Panic(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})

	req := httptest.NewRequest(http.MethodGet, "/orders/o-1", nil)
	rec := httptest.NewRecorder()
	Recover(zerolog.Nop())(handler).ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", rec.Code)
	}
	if got := decodeError(t, rec).Type; got != domain.KindInternal {
		t.Fatalf("expected %s, got %s", domain.KindInternal, got)
	}
}
