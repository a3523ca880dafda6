package logger

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"
)

func TestWithComponentAndPair(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("worker").WithPair("XBTZAR")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "worker" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
	if v, ok := entry.Entry.Data["pair"]; !ok || v != "XBTZAR" {
		t.Fatalf("pair field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestConfigureInvalidFormat(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
}

func TestConfigureEnvLevelWins(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")

	log := Logger()
	if err := log.Configure("error", "text", "stderr", 0); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if got := log.GetLevel().String(); got != "debug" {
		t.Fatalf("expected debug level, got %s", got)
	}
}

func TestConfigureFileOutput(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	path := filepath.Join(t.TempDir(), "bookstream.log")
	if err := log.Configure("info", "json", path, 0); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := log.Configure("info", "json", path, 7); err != nil {
		t.Fatalf("configure rotating: %v", err)
	}
}

func TestJSONFieldNames(t *testing.T) {
	log := Logger()
	var buf bytes.Buffer
	log.SetOutput(&buf)
	log.WithComponent("worker").Info("hello")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("unmarshal log line: %v (%s)", err, buf.String())
	}
	for _, k := range []string{"timestamp", "level", "message", "component"} {
		if _, ok := line[k]; !ok {
			t.Fatalf("missing %q in %v", k, line)
		}
	}
}

func TestWarnCountsByComponent(t *testing.T) {
	log := Logger()
	log.SetOutput(&bytes.Buffer{})
	before := Counters()["warns_worker"]
	log.WithComponent("worker").Warn("boom")
	if after := Counters()["warns_worker"]; after != before+1 {
		t.Fatalf("expected warns_worker %d, got %d", before+1, after)
	}
}

func TestMetricName(t *testing.T) {
	if got := metricName("store_errors"); got != "StoreErrors" {
		t.Fatalf("unexpected metric name %q", got)
	}
}
