package debuglog

import (
	"bytes"
	"strings"
	"testing"

	"github.com/op/go-logging"
)

func TestInitFiltersByLevel(t *testing.T) {
	t.Setenv("HONEYPOT_DEBUG", "")
	var buf bytes.Buffer
	if err := Init("warning", &buf); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(Discard)
	log := logging.MustGetLogger("ledgertest")
	log.Infof("action: deposit | result: success")
	log.Warningf("action: deposit | result: fail")
	out := buf.String()
	if strings.Contains(out, "result: success") {
		t.Fatalf("info line should be filtered: %q", out)
	}
	if !strings.Contains(out, "result: fail") || !strings.Contains(out, "ledgertest") {
		t.Fatalf("expected warning line with module name, got %q", out)
	}
}

func TestInitDebugOverride(t *testing.T) {
	t.Setenv("HONEYPOT_DEBUG", "1")
	var buf bytes.Buffer
	if err := Init("error", &buf); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(Discard)
	logging.MustGetLogger("dbg").Debugf("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Fatalf("expected debug line, got %q", buf.String())
	}
}

func TestInitRejectsUnknownLevel(t *testing.T) {
	t.Setenv("HONEYPOT_DEBUG", "")
	if err := Init("chatty", &bytes.Buffer{}); err == nil {
		t.Fatalf("expected unknown level error")
	}
}
