package audit

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

func TestLogSinkMasksAndTags(t *testing.T) {
	var buf bytes.Buffer
	orig := log.Writer()
	origFlags := log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	defer func() {
		log.SetOutput(orig)
		log.SetFlags(origFlags)
	}()

	sink := NewLogSink()
	sink.Log("INFO", "batch_start", "execution #1: password=hunter2")

	out := buf.String()
	if !strings.Contains(out, "[audit] INFO batch_start") {
		t.Errorf("expected audit tag in output, got %q", out)
	}
	if strings.Contains(out, "hunter2") {
		t.Errorf("expected password to be masked, got %q", out)
	}
	if !strings.Contains(out, "password=***") {
		t.Errorf("expected masked marker in output, got %q", out)
	}
}
