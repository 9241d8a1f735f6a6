package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/samlawlis45/pathwellconnect/pkg/models"
)

func sampleReceipt(id string) models.Receipt {
	return models.Receipt{
		ReceiptID:     id,
		TraceID:       "trace-1",
		CorrelationID: "corr-1",
		Timestamp:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		EventType:     models.EventGatewayRequest,
		AgentID:       "agent-1",
		TenantID:      "tenant-1",
		Request:       models.RequestInfo{Method: "GET", Path: "/v1/things"},
	}
}

func writeJSON(t *testing.T, name string, v any) string {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestRunRequiresCommand(t *testing.T) {
	var out bytes.Buffer
	if err := run(nil, &out); err == nil {
		t.Fatal("expected error for missing command")
	}
	if !strings.Contains(out.String(), "pathwellctl commands") {
		t.Fatalf("expected usage output, got %q", out.String())
	}
	if err := run([]string{"bogus"}, &out); err == nil {
		t.Fatal("expected error for unknown command")
	}
}

func TestHashReceiptMatchesSeal(t *testing.T) {
	rec := sampleReceipt("r-1")
	path := writeJSON(t, "receipt.json", rec)

	var out bytes.Buffer
	if err := run([]string{"hash-receipt", "--receipt", path}, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	sealed, err := models.SealReceipt(rec, "")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != sealed.ReceiptHash {
		t.Fatalf("expected %s, got %s", sealed.ReceiptHash, got)
	}
}

func TestHashReceiptWithPrevious(t *testing.T) {
	rec := sampleReceipt("r-2")
	path := writeJSON(t, "receipt.json", rec)

	first, err := models.SealReceipt(sampleReceipt("r-1"), "")
	if err != nil {
		t.Fatalf("seal first: %v", err)
	}
	var out bytes.Buffer
	if err := run([]string{"hash-receipt", "--receipt", path, "--previous", first.ReceiptHash}, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	sealed, err := models.SealReceipt(rec, first.ReceiptHash)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != sealed.ReceiptHash {
		t.Fatalf("expected %s, got %s", sealed.ReceiptHash, got)
	}
}

func TestHashReceiptErrors(t *testing.T) {
	var out bytes.Buffer
	if err := run([]string{"hash-receipt"}, &out); err == nil {
		t.Fatal("expected error without receipt path")
	}
	if err := run([]string{"hash-receipt", "--receipt", "/does/not/exist.json"}, &out); err == nil {
		t.Fatal("expected error for missing file")
	}
	bad := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(bad, []byte("{"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := run([]string{"hash-receipt", "--receipt", bad}, &out); err == nil {
		t.Fatal("expected error for malformed json")
	}
}

func exportChain(t *testing.T, n int) []models.Receipt {
	t.Helper()
	receipts := make([]models.Receipt, 0, n)
	previous := ""
	for i := 0; i < n; i++ {
		sealed, err := models.SealReceipt(sampleReceipt("r-"+string(rune('1'+i))), previous)
		if err != nil {
			t.Fatalf("seal: %v", err)
		}
		receipts = append(receipts, sealed)
		previous = sealed.ReceiptHash
	}
	return receipts
}

func TestVerifyExportValidChain(t *testing.T) {
	path := writeJSON(t, "export.json", exportChain(t, 3))

	var out bytes.Buffer
	if err := run([]string{"verify-export", "--export", path}, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "chain valid: 3 receipts") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestVerifyExportBrokenLink(t *testing.T) {
	receipts := exportChain(t, 3)
	receipts[2].PreviousHash = strings.Repeat("f", 64)
	path := writeJSON(t, "export.json", receipts)

	var out bytes.Buffer
	err := run([]string{"verify-export", "--export", path}, &out)
	if err == nil {
		t.Fatal("expected broken link error")
	}
	if !strings.Contains(err.Error(), receipts[2].ReceiptID) {
		t.Fatalf("expected offending receipt id in error, got %v", err)
	}
}

func TestVerifyExportTamperedContent(t *testing.T) {
	receipts := exportChain(t, 2)
	receipts[1].AgentID = "someone-else"
	path := writeJSON(t, "export.json", receipts)

	var out bytes.Buffer
	if err := run([]string{"verify-export", "--export", path}, &out); err == nil {
		t.Fatal("expected tampered content error")
	}
}

func TestVerifyExportMustStartAtGenesis(t *testing.T) {
	receipts := exportChain(t, 3)
	path := writeJSON(t, "export.json", receipts[1:])

	var out bytes.Buffer
	err := run([]string{"verify-export", "--export", path}, &out)
	if err == nil || !strings.Contains(err.Error(), "genesis") {
		t.Fatalf("expected genesis error, got %v", err)
	}
}

func TestVerifyExportErrors(t *testing.T) {
	var out bytes.Buffer
	if err := run([]string{"verify-export"}, &out); err == nil {
		t.Fatal("expected error without export path")
	}
	empty := writeJSON(t, "empty.json", []models.Receipt{})
	if err := run([]string{"verify-export", "--export", empty}, &out); err == nil {
		t.Fatal("expected error for empty export")
	}
}
