package app

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"engagement-ledger/internal/attribution"
	"engagement-ledger/internal/config"
	"engagement-ledger/internal/reconciler"
)

func newTestApp(t *testing.T, activityURL string) (*App, *bytes.Buffer) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "activity:\n  base_url: " + activityURL + "\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	out := &bytes.Buffer{}
	a := NewApp(cfg, zerolog.Nop())
	a.Out = out
	return a, out
}

func TestSubmitAndCallers(t *testing.T) {
	a, out := newTestApp(t, "http://127.0.0.1:0")
	ctx := context.Background()

	if err := a.Submit(ctx, attribution.SubmitRequest{SubmitterID: "u1", ContractKey: "ca1", Domain: "example.org"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !strings.Contains(out.String(), "contract ca1 (new): calls=1 first_caller=u1 market_cap=-") {
		t.Fatalf("unexpected submit output %q", out.String())
	}

	out.Reset()
	if err := a.Callers(ctx, CallersOptions{ContractKey: "ca1"}); err != nil {
		t.Fatalf("Callers: %v", err)
	}
	if !strings.Contains(out.String(), "u1") || !strings.Contains(out.String(), "example.org") {
		t.Fatalf("unexpected callers output %q", out.String())
	}

	out.Reset()
	if err := a.Callers(ctx, CallersOptions{ContractKey: "nope"}); err != nil {
		t.Fatalf("Callers: %v", err)
	}
	if !strings.Contains(out.String(), "no callers found") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestRecordVolumeAndExport(t *testing.T) {
	ts := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"signature": "tx-1", "tokenMint": "mint-1", "seller": "s1", "price": 12.5}]`))
	}))
	defer srv.Close()

	a, out := newTestApp(t, srv.URL)
	ctx := context.Background()

	if err := a.Record(ctx, reconciler.RecordRequest{TxID: "tx-1", Buyer: "b1", AssetID: "mint-1", Collection: "degods", Timestamp: ts}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if !strings.Contains(out.String(), "status=confirmed") || !strings.Contains(out.String(), "seller=s1") {
		t.Fatalf("unexpected record output %q", out.String())
	}

	out.Reset()
	if err := a.Volume(ctx); err != nil {
		t.Fatalf("Volume: %v", err)
	}
	if strings.TrimSpace(out.String()) != "12.5" {
		t.Fatalf("unexpected volume %q", out.String())
	}

	csvPath := filepath.Join(t.TempDir(), "out", "volume.csv")
	if err := a.Export(ctx, ExportOptions{Days: 3, CSVPath: csvPath}); err != nil {
		t.Fatalf("Export: %v", err)
	}
	data, err := os.ReadFile(csvPath)
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 4 || lines[0] != "day,confirmed_volume,purchases" {
		t.Fatalf("unexpected csv %q", string(data))
	}
}

func TestExportRequiresOutput(t *testing.T) {
	a, _ := newTestApp(t, "http://127.0.0.1:0")
	if err := a.Export(context.Background(), ExportOptions{}); err == nil {
		t.Fatal("expected error without outputs")
	}
}

func TestMigrateRequiresDSN(t *testing.T) {
	a, _ := newTestApp(t, "http://127.0.0.1:0")
	if err := a.Migrate(context.Background()); err == nil {
		t.Fatal("expected error without dsn")
	}
}

func TestAwardAndResetOnEmptyLedger(t *testing.T) {
	a, out := newTestApp(t, "http://127.0.0.1:0")
	ctx := context.Background()

	if err := a.Award(ctx); err != nil {
		t.Fatalf("Award: %v", err)
	}
	if err := a.Award(ctx); err != nil {
		t.Fatalf("second Award: %v", err)
	}
	if !strings.Contains(out.String(), "already executed") {
		t.Fatalf("second award should be skipped, got %q", out.String())
	}
	if err := a.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
}
