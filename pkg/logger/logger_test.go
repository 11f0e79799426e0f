package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAuditRecordsGoToRotatedFile(t *testing.T) {
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit", "settlement.log")
	appPath := filepath.Join(dir, "app.log")

	if err := Init(Config{
		Level:       "debug",
		Format:      "json",
		OutputPaths: []string{appPath},
		Audit:       AuditConfig{Enabled: true, Path: auditPath, MaxSizeMB: 1},
	}); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { _ = Sync() })

	Named("ledger").Debug("balance checked")
	Audit().Info("tx_committed", "op", "ledger.deposit")
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	app, err := os.ReadFile(appPath)
	if err != nil {
		t.Fatalf("read app log: %v", err)
	}
	if !strings.Contains(string(app), `"component":"ledger"`) {
		t.Fatalf("component attribute missing: %s", app)
	}
	audit, err := os.ReadFile(auditPath)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if !strings.Contains(string(audit), "ledger.deposit") || strings.Contains(string(audit), "balance checked") {
		t.Fatalf("unexpected audit content: %s", audit)
	}
}

func TestAuditRequiresPath(t *testing.T) {
	if err := Init(Config{Audit: AuditConfig{Enabled: true}}); err == nil {
		t.Fatalf("expected error for empty audit path")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]string{"debug": "DEBUG", "WARNING": "WARN", "error": "ERROR", "": "INFO"}
	for in, want := range cases {
		if got := parseLevel(in).String(); got != want {
			t.Fatalf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
