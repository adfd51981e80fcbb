package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

type tenantRows []struct {
	ID    string `json:"id"`
	Spend string `json:"spend"`
}

func (r tenantRows) Table() Table {
	t := Table{Headers: []string{"TENANT", "SPEND"}}
	for _, row := range r {
		t.Rows = append(t.Rows, []string{row.ID, row.Spend})
	}
	return t
}

func sampleRows() tenantRows {
	return tenantRows{
		{ID: "acme", Spend: "12.50"},
		{ID: "globex-corp", Spend: "3"},
	}
}

// ==================================================================
// Errors
// ==================================================================

func TestConfigError(t *testing.T) {
	tests := []struct {
		name string
		err  *ConfigError
		want string
	}{
		{
			name: "with field",
			err:  NewConfigError("storage.backend", "invalid backend"),
			want: "config error in storage.backend: invalid backend",
		},
		{
			name: "without field",
			err:  NewConfigError("", "failed to load"),
			want: "config error: failed to load",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCommandError(t *testing.T) {
	underlying := errors.New("ledger unavailable")
	err := NewCommandError("reset-month", underlying)

	want := "command reset-month failed: ledger unavailable"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if !errors.Is(err, underlying) {
		t.Error("CommandError should unwrap to the underlying error")
	}

	if NewCommandError("run", nil) != nil {
		t.Error("NewCommandError(nil) should return nil")
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"config", NewConfigError("output", "bad"), ExitConfig},
		{"wrapped config", fmt.Errorf("load: %w", NewConfigError("", "bad")), ExitConfig},
		{"command", NewCommandError("run", errors.New("boom")), ExitFailure},
		{"plain", errors.New("boom"), ExitFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

// ==================================================================
// Output
// ==================================================================

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    OutputFormat
		wantErr bool
	}{
		{"", FormatText, false},
		{"text", FormatText, false},
		{"JSON", FormatJSON, false},
		{" csv ", FormatCSV, false},
		{"junit", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseFormat(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseFormat(%q) = %q, want %q", tt.in, got, tt.want)
			}
			if err != nil && ExitCode(err) != ExitConfig {
				t.Errorf("ParseFormat error should be a config error, got %T", err)
			}
		})
	}
}

func TestTextFormatter(t *testing.T) {
	f := &TextFormatter{}

	out, err := f.Format("tenant acme paused")
	if err != nil {
		t.Fatalf("Format() error = %v", err)
	}
	if string(out) != "tenant acme paused\n" {
		t.Errorf("Format() = %q", out)
	}

	var buf bytes.Buffer
	if err := f.FormatTo(&buf, sampleRows()); err != nil {
		t.Fatalf("FormatTo() error = %v", err)
	}
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3:\n%s", len(lines), buf.String())
	}
	if lines[0] != "TENANT       SPEND" {
		t.Errorf("header = %q", lines[0])
	}
	if lines[1] != "acme         12.50" {
		t.Errorf("row = %q", lines[1])
	}
}

func TestJSONFormatter(t *testing.T) {
	tests := []struct {
		name   string
		indent bool
	}{
		{"compact", false},
		{"indented", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &JSONFormatter{Indent: tt.indent}
			out, err := f.Format(sampleRows())
			if err != nil {
				t.Fatalf("Format() error = %v", err)
			}

			var decoded []map[string]string
			if err := json.Unmarshal(out, &decoded); err != nil {
				t.Fatalf("output is not valid JSON: %v", err)
			}
			if len(decoded) != 2 || decoded[0]["id"] != "acme" {
				t.Errorf("decoded = %v", decoded)
			}
			if got := strings.Contains(string(out), "\n"); got != tt.indent {
				t.Errorf("newlines present = %v, want %v", got, tt.indent)
			}
		})
	}
}

func TestCSVFormatter(t *testing.T) {
	f := &CSVFormatter{}

	out, err := f.Format(sampleRows())
	if err != nil {
		t.Fatalf("Format() error = %v", err)
	}
	want := "TENANT,SPEND\nacme,12.50\nglobex-corp,3\n"
	if string(out) != want {
		t.Errorf("Format() = %q, want %q", out, want)
	}

	if _, err := f.Format("not a table"); err == nil {
		t.Error("Format() should reject non-tabular data")
	}
}

func TestNewFormatter(t *testing.T) {
	tests := []struct {
		format OutputFormat
		want   string
	}{
		{FormatText, "*cli.TextFormatter"},
		{FormatJSON, "*cli.JSONFormatter"},
		{FormatCSV, "*cli.CSVFormatter"},
		{"unknown", "*cli.TextFormatter"},
	}

	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			if got := fmt.Sprintf("%T", NewFormatter(tt.format)); got != tt.want {
				t.Errorf("NewFormatter(%q) = %s, want %s", tt.format, got, tt.want)
			}
		})
	}
}

// ==================================================================
// Progress
// ==================================================================

func TestSimpleProgress(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgressReporter(&buf, "Reconciling", "tenants")

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	now := start
	p.now = func() time.Time { return now }

	p.Start(4)
	now = start.Add(time.Second)
	p.Update(2)
	if !strings.Contains(buf.String(), "Reconciling: [###############...............] 50.0% (2/4) 2.0 tenants/s") {
		t.Errorf("unexpected progress line: %q", buf.String())
	}

	p.Finish()
	if !strings.HasSuffix(buf.String(), "(4/4) 4.0 tenants/s\n") {
		t.Errorf("unexpected finish line: %q", buf.String())
	}

	p.Error(errors.New("ledger unavailable"))
	if !strings.Contains(buf.String(), "error: ledger unavailable") {
		t.Errorf("error not reported: %q", buf.String())
	}
}

func TestSimpleProgress_ZeroTotal(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgressReporter(&buf, "", "items")
	p.Start(0)
	p.Update(0)
	if buf.Len() != 0 {
		t.Errorf("zero total should render nothing, got %q", buf.String())
	}
}

// ==================================================================
// Signals
// ==================================================================

func TestSetupSignalHandler(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	ctx, stop := SetupSignalHandler(parent)
	defer stop()

	select {
	case <-ctx.Done():
		t.Fatal("context cancelled before any signal")
	default:
	}

	cancel()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled with its parent")
	}
}
