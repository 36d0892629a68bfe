package hostfile

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestLoadLines(t *testing.T) {
	path := writeTemp(t, "hosts.txt", "10.0.0.1\n# comment\n\n10.0.0.2:2222\n")

	entries, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].IP != "10.0.0.1" || entries[0].Port != nil {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	if entries[1].IP != "10.0.0.2" || entries[1].Port == nil || *entries[1].Port != 2222 {
		t.Errorf("entry 1 = %+v", entries[1])
	}
}

func TestLoadJSON(t *testing.T) {
	content := `[
		{"ip": "10.0.0.1", "hostname": "web-1"},
		{"ip": "10.0.0.2", "port": 2200, "metadata": {"env": "prod"}}
	]`
	path := writeTemp(t, "hosts.json", content)

	entries, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Hostname != "web-1" {
		t.Errorf("entry 0 hostname = %q", entries[0].Hostname)
	}
	if entries[1].Port == nil || *entries[1].Port != 2200 {
		t.Errorf("entry 1 port = %v", entries[1].Port)
	}
	if entries[1].Metadata["env"] != "prod" {
		t.Errorf("entry 1 metadata = %v", entries[1].Metadata)
	}
}

func TestLoadJSONMissingIP(t *testing.T) {
	path := writeTemp(t, "hosts.json", `[{"port": 22}]`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing ip field")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/hosts.txt"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
