package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mercator-hq/costgate/pkg/admission"
	"mercator-hq/costgate/pkg/cli"
	"mercator-hq/costgate/pkg/limits/budget"
)

// writeConfig writes a config using SQLite files under a temp dir so state
// survives between command invocations.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	data := `storage:
  backend: sqlite
  sqlite:
    path: ` + filepath.Join(dir, "ledger.db") + `
  incidents:
    backend: sqlite
    path: ` + filepath.Join(dir, "incidents.db") + `
telemetry:
  logging:
    level: warn
`
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func execute(ctx context.Context, args ...string) (stdout, stderr string, err error) {
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err = cmd.ExecuteContext(ctx)
	return out.String(), errOut.String(), err
}

func executeJSON(t *testing.T, cfg string, args ...string) map[string]any {
	t.Helper()
	args = append(args, "--config", cfg, "--output", "json")
	out, stderr, err := execute(context.Background(), args...)
	if err != nil {
		t.Fatalf("%v: %v\nstderr: %s", args, err, stderr)
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(out), &m); err != nil {
		t.Fatalf("%v: invalid JSON output %q: %v", args, out, err)
	}
	return m
}

// ==================================================================
// Version
// ==================================================================

func TestVersionDefaults(t *testing.T) {
	origVersion, origCommit, origDate := Version, GitCommit, BuildDate
	defer func() {
		Version, GitCommit, BuildDate = origVersion, origCommit, origDate
	}()

	Version = "0.1.0-test"
	GitCommit = "abc123"
	BuildDate = "2026-10-01"

	out, _, err := execute(context.Background(), "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	for _, want := range []string{"Costgate 0.1.0-test", "Git Commit: abc123", "Build Date: 2026-10-01", "Go Version: go"} {
		if !strings.Contains(out, want) {
			t.Errorf("version output missing %q:\n%s", want, out)
		}
	}
}

func TestRootCommands(t *testing.T) {
	root := newRootCmd()
	want := []string{"run", "reset-month", "tenant", "costs", "incidents", "admit", "charge", "version"}
	for _, name := range want {
		found := false
		for _, c := range root.Commands() {
			if c.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("root command missing subcommand %q", name)
		}
	}
}

// ==================================================================
// Tenant lifecycle
// ==================================================================

func TestTenantLifecycle(t *testing.T) {
	cfg := writeConfig(t)

	acct := executeJSON(t, cfg, "tenant", "create", "acme", "--plan", "pro")
	if acct["id"] != "acme" || acct["plan"] != "pro" || acct["monthly_budget"] != "500" {
		t.Fatalf("unexpected account after create: %v", acct)
	}

	res := executeJSON(t, cfg, "charge", "acme", "--cost", "12.5", "--quantity", "1000")
	if res["accepted"] != true || res["entry_id"] == "" {
		t.Fatalf("charge not accepted: %v", res)
	}

	acct = executeJSON(t, cfg, "tenant", "show", "acme")
	if acct["current_month_spend"] != "12.5" || acct["used_credits"] != "12.5" {
		t.Errorf("unexpected balances after charge: %v", acct)
	}

	acct = executeJSON(t, cfg, "tenant", "pause", "acme", "--reason", "chargeback")
	if acct["paused"] != true || acct["paused_reason"] != "chargeback" {
		t.Errorf("account not paused: %v", acct)
	}

	out, _, err := execute(context.Background(), "admit", "acme", "--config", cfg, "--actor", "user-1")
	if !errors.Is(err, admission.ErrNotAdmitted) {
		t.Fatalf("admit on paused account error = %v, want ErrNotAdmitted", err)
	}
	if cli.ExitCode(err) != cli.ExitFailure {
		t.Errorf("exit code = %d, want %d", cli.ExitCode(err), cli.ExitFailure)
	}
	if !strings.Contains(out, "refused (account_paused)") {
		t.Errorf("admit output = %q", out)
	}

	acct = executeJSON(t, cfg, "tenant", "resume", "acme")
	if acct["paused"] != false {
		t.Errorf("account still paused: %v", acct)
	}

	out, _, err = execute(context.Background(), "admit", "acme", "--config", cfg, "--actor", "user-1", "--estimate", "0.01")
	if err != nil {
		t.Fatalf("admit after resume failed: %v", err)
	}
	if !strings.HasPrefix(out, "admitted") {
		t.Errorf("admit output = %q", out)
	}

	acct = executeJSON(t, cfg, "tenant", "add-credits", "acme", "10")
	if acct["total_credits"] != "510" {
		t.Errorf("total_credits = %v, want 510", acct["total_credits"])
	}

	acct = executeJSON(t, cfg, "tenant", "set-plan", "acme", "starter")
	if acct["plan"] != "starter" || acct["monthly_budget"] != "50" || acct["used_credits"] != "0" {
		t.Errorf("unexpected account after set-plan: %v", acct)
	}

	out, _, err = execute(context.Background(), "tenant", "list", "--config", cfg, "--output", "csv")
	if err != nil {
		t.Fatalf("tenant list failed: %v", err)
	}
	if !strings.HasPrefix(out, "TENANT,PLAN,SPEND,BUDGET,USED%,CREDITS,USED CREDITS,PAUSED\nacme,starter,12.50,50.00,25.00,50.00,0.00,false\n") {
		t.Errorf("tenant list csv = %q", out)
	}
}

func TestTenantErrors(t *testing.T) {
	cfg := writeConfig(t)
	executeJSON(t, cfg, "tenant", "create", "acme")

	tests := []struct {
		name     string
		args     []string
		wantErr  error
		wantExit int
	}{
		{
			name:     "unknown tenant",
			args:     []string{"tenant", "show", "globex"},
			wantErr:  budget.ErrTenantNotFound,
			wantExit: cli.ExitFailure,
		},
		{
			name:     "duplicate tenant",
			args:     []string{"tenant", "create", "acme"},
			wantErr:  budget.ErrAccountExists,
			wantExit: cli.ExitFailure,
		},
		{
			name:     "unknown plan",
			args:     []string{"tenant", "set-plan", "acme", "platinum"},
			wantErr:  budget.ErrUnknownPlan,
			wantExit: cli.ExitFailure,
		},
		{
			name:     "non-positive credits",
			args:     []string{"tenant", "add-credits", "acme", "0"},
			wantErr:  budget.ErrInvalidAmount,
			wantExit: cli.ExitFailure,
		},
		{
			name:     "malformed amount",
			args:     []string{"tenant", "add-credits", "acme", "ten"},
			wantExit: cli.ExitConfig,
		},
		{
			name:     "unknown output format",
			args:     []string{"tenant", "list", "--output", "xml"},
			wantExit: cli.ExitConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := execute(context.Background(), append(tt.args, "--config", cfg)...)
			if err == nil {
				t.Fatal("expected an error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			if got := cli.ExitCode(err); got != tt.wantExit {
				t.Errorf("exit code = %d, want %d", got, tt.wantExit)
			}
		})
	}
}

func TestMissingConfigFile(t *testing.T) {
	_, _, err := execute(context.Background(), "tenant", "list", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	if cli.ExitCode(err) != cli.ExitConfig {
		t.Errorf("exit code = %d, want %d (err = %v)", cli.ExitCode(err), cli.ExitConfig, err)
	}
}

// ==================================================================
// Costs and reset
// ==================================================================

func TestCostsCommands(t *testing.T) {
	cfg := writeConfig(t)
	executeJSON(t, cfg, "tenant", "create", "acme", "--plan", "pro")
	executeJSON(t, cfg, "charge", "acme", "--cost", "2.5", "--kind", "sms", "--channel", "sms", "--quantity", "2")
	executeJSON(t, cfg, "charge", "acme", "--cost", "10", "--kind", "ai", "--quantity", "1500")

	out, _, err := execute(context.Background(), "costs", "summary", "--config", cfg, "--tenant", "acme", "--output", "csv")
	if err != nil {
		t.Fatalf("costs summary failed: %v", err)
	}
	want := "KIND,CHANNEL,COUNT,COST,QUANTITY\nai,-,1,10.0000,1500\nsms,sms,1,2.5000,2\nTOTAL,,2,12.5000,\n"
	if out != want {
		t.Errorf("summary csv = %q, want %q", out, want)
	}

	out, _, err = execute(context.Background(), "costs", "recent", "acme", "--config", cfg, "--limit", "1")
	if err != nil {
		t.Fatalf("costs recent failed: %v", err)
	}
	if lines := strings.Split(strings.TrimSpace(out), "\n"); len(lines) != 2 {
		t.Errorf("recent should list one entry:\n%s", out)
	}

	out, _, err = execute(context.Background(), "costs", "reconcile", "acme", "--config", cfg, "--output", "csv", "--fail-on-drift")
	if err != nil {
		t.Fatalf("costs reconcile failed: %v", err)
	}
	if !strings.Contains(out, ",12.5000,12.5000,2,0.0000,true\n") {
		t.Errorf("reconcile csv = %q", out)
	}

	_, stderr, err := execute(context.Background(), "costs", "reconcile", "--all", "--progress", "--config", cfg)
	if err != nil {
		t.Fatalf("costs reconcile --all failed: %v", err)
	}
	if !strings.Contains(stderr, "Reconciling:") {
		t.Errorf("progress not reported on stderr: %q", stderr)
	}

	_, _, err = execute(context.Background(), "costs", "reconcile", "--config", cfg)
	if cli.ExitCode(err) != cli.ExitConfig {
		t.Errorf("reconcile without tenants: exit code = %d, want %d", cli.ExitCode(err), cli.ExitConfig)
	}

	_, _, err = execute(context.Background(), "costs", "summary", "--config", cfg, "--from", "yesterday")
	if cli.ExitCode(err) != cli.ExitConfig {
		t.Errorf("summary with bad --from: exit code = %d, want %d", cli.ExitCode(err), cli.ExitConfig)
	}
}

func TestResetMonth(t *testing.T) {
	cfg := writeConfig(t)
	executeJSON(t, cfg, "tenant", "create", "acme")

	res := executeJSON(t, cfg, "reset-month")
	if res["accounts_reset"] != float64(0) {
		t.Errorf("accounts_reset = %v, want 0 for an account created this period", res["accounts_reset"])
	}
}

func TestIncidentsCommands(t *testing.T) {
	cfg := writeConfig(t)

	out, _, err := execute(context.Background(), "incidents", "list", "--config", cfg)
	if err != nil {
		t.Fatalf("incidents list failed: %v", err)
	}
	if strings.TrimSpace(out) != "TIME  TENANT  ACTOR  ADDRESS  ACTION  SEVERITY  REASONS" {
		t.Errorf("empty incident list = %q", out)
	}

	res := executeJSON(t, cfg, "incidents", "prune", "--days", "30")
	if res["deleted"] != float64(0) {
		t.Errorf("deleted = %v, want 0", res["deleted"])
	}
}

// ==================================================================
// Run
// ==================================================================

func TestRunDryRun(t *testing.T) {
	cfg := writeConfig(t)
	out, _, err := execute(context.Background(), "run", "--dry-run", "--config", cfg)
	if err != nil {
		t.Fatalf("run --dry-run failed: %v", err)
	}
	if strings.TrimSpace(out) != "configuration valid" {
		t.Errorf("output = %q", out)
	}

	_, _, err = execute(context.Background(), "run", "--dry-run", "--config", cfg, "--log-level", "loud")
	if cli.ExitCode(err) != cli.ExitConfig {
		t.Errorf("invalid log level: exit code = %d, want %d", cli.ExitCode(err), cli.ExitConfig)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := writeConfig(t)
	ctx, cancel := context.WithCancel(context.Background())

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, _, err := execute(ctx, "run", "--config", cfg, "--listen", "127.0.0.1:0", "--no-watch")
		done <- result{out, err}
	}()

	time.Sleep(300 * time.Millisecond)
	cancel()

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("run returned error: %v", r.err)
		}
		if !strings.Contains(r.out, "ops server listening on 127.0.0.1:") {
			t.Errorf("missing listen line:\n%s", r.out)
		}
		if !strings.Contains(r.out, "costgate stopped") {
			t.Errorf("missing stop line:\n%s", r.out)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}
