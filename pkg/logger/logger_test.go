package logger

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestInitWritesJSONToFile(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "app.log")
	audit := filepath.Join(dir, "audit", "audit.log")

	if err := Init(Config{
		Level:       "debug",
		OutputPaths: []string{out},
		Audit:       AuditConfig{Enabled: true, Path: audit},
	}); err != nil {
		t.Fatalf("init logger: %v", err)
	}
	t.Cleanup(func() {
		_ = Sync()
		_ = Init(Config{})
	})

	Named("payment").Debug("gate ready", "routes", 2)
	Audit().Info("payment accepted", "payment_id", "p-1")
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	entry := readFirstLine(t, out)
	if entry["msg"] != "gate ready" || entry["component"] != "payment" {
		t.Fatalf("unexpected app entry: %v", entry)
	}
	auditEntry := readFirstLine(t, audit)
	if auditEntry["payment_id"] != "p-1" {
		t.Fatalf("unexpected audit entry: %v", auditEntry)
	}
}

func TestInitRejectsEmptyAuditPath(t *testing.T) {
	if err := Init(Config{Audit: AuditConfig{Enabled: true}}); err == nil {
		t.Fatalf("expected error for empty audit path")
	}
}

func readFirstLine(t *testing.T, path string) map[string]any {
	t.Helper()
	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer file.Close()
	scanner := bufio.NewScanner(file)
	if !scanner.Scan() {
		t.Fatalf("%s is empty", path)
	}
	var entry map[string]any
	if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return entry
}
