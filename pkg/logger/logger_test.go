package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewDefaultTagsComponent(t *testing.T) {
	log := NewDefault("orchestrator")
	var buf bytes.Buffer
	log.SetOutput(&buf)

	log.WithField("job", "refresh").Info("tick")

	out := buf.String()
	if !strings.Contains(out, "component=orchestrator") || !strings.Contains(out, "job=refresh") {
		t.Fatalf("unexpected log line: %q", out)
	}
}

func TestNewJSONFormat(t *testing.T) {
	log := New(LoggingConfig{Level: "debug", Format: "json"})
	if log.GetLevel() != logrus.DebugLevel {
		t.Fatalf("level = %s, want debug", log.GetLevel())
	}
	var buf bytes.Buffer
	log.SetOutput(&buf)
	log.Named("store").WithField("item_id", 42).Debug("saved")

	var decoded map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("decode: %v (%q)", err, buf.String())
	}
	if decoded["component"] != "store" || decoded["msg"] != "saved" {
		t.Fatalf("unexpected entry: %v", decoded)
	}
}

func TestNewUnknownLevelFallsBackToInfo(t *testing.T) {
	log := New(LoggingConfig{Level: "loud"})
	if log.GetLevel() != logrus.InfoLevel {
		t.Fatalf("level = %s, want info", log.GetLevel())
	}
}
