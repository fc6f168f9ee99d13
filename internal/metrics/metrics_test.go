package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderCounts(test *testing.T) {
	test.Parallel()
	recorder := New()
	ctx := context.Background()
	recorder.LogOperation(ctx, ledger.OperationLog{Operation: "purchase_chapter", Status: "ok", Amount: -30})
	recorder.LogOperation(ctx, ledger.OperationLog{Operation: "purchase_chapter", Status: "ok", Amount: -20})
	recorder.LogOperation(ctx, ledger.OperationLog{Operation: "purchase_chapter", Status: "error", Amount: -20, Error: errors.New("insufficient funds")})
	recorder.LogOperation(ctx, ledger.OperationLog{Operation: "purchase_chapter", Status: "replayed", Amount: -20})
	if err := recorder.Publish(ctx, ledger.Event{Type: ledger.EventPurchaseSettled}); err != nil {
		test.Fatalf("publish: %v", err)
	}

	if got := testutil.ToFloat64(recorder.operations.WithLabelValues("purchase_chapter", "ok")); got != 2 {
		test.Fatalf("expected 2 ok operations, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.operations.WithLabelValues("purchase_chapter", "error")); got != 1 {
		test.Fatalf("expected 1 failed operation, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.coinsMoved.WithLabelValues("purchase_chapter")); got != 50 {
		test.Fatalf("expected 50 coins moved, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.events.WithLabelValues(ledger.EventPurchaseSettled)); got != 1 {
		test.Fatalf("expected 1 event, got %v", got)
	}
}

func TestHandlerExposesMetrics(test *testing.T) {
	test.Parallel()
	recorder := New()
	recorder.ObserveRequest(http.MethodGet, "/v1/balance", http.StatusOK, 15*time.Millisecond)
	recorder.LogOperation(context.Background(), ledger.OperationLog{Operation: "send_tip", Status: "ok", Amount: 5})

	response := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(response, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(response.Body)
	if err != nil {
		test.Fatalf("read: %v", err)
	}
	for _, want := range []string{
		`coinledger_operations_total{operation="send_tip",status="ok"} 1`,
		`coinledger_http_request_duration_seconds_count{code="200",method="GET",route="/v1/balance"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			test.Fatalf("metrics output misses %q", want)
		}
	}
}
