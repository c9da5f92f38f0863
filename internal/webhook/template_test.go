package webhook

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/ifpj/netwatch/internal/testutil"
	"github.com/ifpj/netwatch/pkg/types"
)

func sampleTransition() types.Transition {
	return types.Transition{
		Target: testutil.FixtureTarget(func(t *types.Target) {
			t.Name = "edge-router"
			t.Host = "10.0.0.1"
			t.Port = testutil.IntPtr(22)
		}),
		From:    types.StateUp,
		To:      types.StateDown,
		At:      time.Date(2026, 8, 5, 9, 30, 0, 0, time.UTC),
		Message: "connection refused",
	}
}

func TestRender_SubstitutesAllTokens(t *testing.T) {
	body, contentType := Render(
		"{{STATUS}} {{STATUS_EMOJI}} {{TARGET}} {{HOST}} {{TIME}} {{MESSAGE}}",
		sampleTransition(),
	)
	want := "DOWN 🔴 edge-router 10.0.0.1:22 2026-08-05T09:30:00Z connection refused"
	if body != want {
		t.Errorf("body = %q, want %q", body, want)
	}
	if contentType != "text/plain" {
		t.Errorf("contentType = %q, want text/plain", contentType)
	}
}

func TestRender_UpTransition(t *testing.T) {
	tr := sampleTransition()
	tr.To = types.StateUp
	body, _ := Render("{{STATUS}}{{STATUS_EMOJI}}", tr)
	if body != "UP🟢" {
		t.Errorf("body = %q", body)
	}
}

func TestRender_JSONTemplateGetsJSONContentType(t *testing.T) {
	body, contentType := Render(`{"text": "{{STATUS}}"}`, sampleTransition())
	if contentType != "application/json" {
		t.Errorf("contentType = %q, want application/json", contentType)
	}
	if !strings.Contains(body, "DOWN") {
		t.Errorf("body = %q", body)
	}
}

func TestRender_DefaultBody(t *testing.T) {
	body, contentType := Render("", sampleTransition())
	if contentType != "application/json" {
		t.Errorf("contentType = %q", contentType)
	}
	var payload map[string]string
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		t.Fatalf("default body is not JSON: %v", err)
	}
	want := map[string]string{
		"status":  "DOWN",
		"target":  "edge-router",
		"host":    "10.0.0.1:22",
		"time":    "2026-08-05T09:30:00Z",
		"message": "connection refused",
	}
	for k, v := range want {
		if payload[k] != v {
			t.Errorf("payload[%q] = %q, want %q", k, payload[k], v)
		}
	}
}

func TestRender_PortlessHost(t *testing.T) {
	tr := sampleTransition()
	tr.Target.Protocol = types.ProtocolICMP
	tr.Target.Port = nil
	body, _ := Render("{{HOST}}", tr)
	if body != "10.0.0.1" {
		t.Errorf("body = %q, want bare host", body)
	}
}
