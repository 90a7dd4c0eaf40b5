package admin

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestRenderPages(t *testing.T) {
	tests := []struct {
		name string
		page string
		data any
		want []string
	}{
		{
			name: "login with error",
			page: "login.html",
			data: map[string]any{"Error": "Invalid credentials"},
			want: []string{"Login", "Invalid credentials"},
		},
		{
			name: "setup with nil data",
			page: "setup.html",
			data: nil,
			want: []string{"Setup Admin"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := Render(&buf, tt.page, tt.data); err != nil {
				t.Fatalf("Render(%s): %v", tt.page, err)
			}
			for _, want := range tt.want {
				if !strings.Contains(buf.String(), want) {
					t.Errorf("rendered %s missing %q", tt.page, want)
				}
			}
		})
	}
}

func TestRenderUnknownTemplate(t *testing.T) {
	var buf bytes.Buffer
	if err := Render(&buf, "no-such-page.html", nil); err == nil {
		t.Fatal("expected error for unknown template")
	}
}

func TestFormatTime(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if got := formatTime(ts); got != "2026-03-01T12:00:00Z" {
		t.Errorf("formatTime(value) = %q", got)
	}
	if got := formatTime(&ts); got != "2026-03-01T12:00:00Z" {
		t.Errorf("formatTime(pointer) = %q", got)
	}
	if got := formatTime((*time.Time)(nil)); got != "" {
		t.Errorf("formatTime(nil pointer) = %q, want empty", got)
	}
	if got := formatTime("not a time"); got != "" {
		t.Errorf("formatTime(non-time) = %q, want empty", got)
	}
}
