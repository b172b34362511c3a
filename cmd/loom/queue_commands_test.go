package main

import (
	"context"
	"encoding/json"
	"testing"

	"loom/internal/jobs"
)

func TestQueuesCommand(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"queues"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("queues: %v", err)
	}
	requireContains(t, out, "script")
	requireContains(t, out, "send_to_cdn")
	requireContains(t, out, "high_priority")
	requireContains(t, out, "High")
	requireContains(t, out, "Medium")
}

func TestQueuesJSON(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"--json", "queues"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("queues --json: %v", err)
	}

	var resp struct {
		Queues []map[string]any `json:"queues"`
	}
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("invalid JSON: %v\noutput: %s", err, out)
	}
	if len(resp.Queues) == 0 {
		t.Fatal("expected queue entries")
	}
	for _, q := range resp.Queues {
		if _, ok := q["name"]; !ok {
			t.Fatal("missing 'name' key in queue JSON")
		}
		if _, ok := q["priority"]; !ok {
			t.Fatal("missing 'priority' key in queue JSON")
		}
	}
}

func TestStatsCommand(t *testing.T) {
	env := setupCLITestEnv(t)
	ctx := context.Background()

	if _, err := env.store.NewJob(ctx, jobs.CreateParams{Topic: "alpha launch recap"}); err != nil {
		t.Fatalf("alpha job: %v", err)
	}
	beta, err := env.store.NewJob(ctx, jobs.CreateParams{Topic: "beta teardown"})
	if err != nil {
		t.Fatalf("beta job: %v", err)
	}
	if _, err := env.store.ApplyPhase(ctx, beta.ID, jobs.StatusFailed, "script", "boom"); err != nil {
		t.Fatalf("fail beta job: %v", err)
	}

	out, _, err := runCLI(t, []string{"stats"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	requireContains(t, out, "Jobs")
	requireContains(t, out, "Pending")
	requireContains(t, out, "Failed")
	requireContains(t, out, "Dead letters: 0")
}

func TestHealthCommand(t *testing.T) {
	env := setupCLITestEnv(t)
	ctx := context.Background()

	if _, _, err := runCLI(t, []string{"start"}, env.socketPath, env.configPath); err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := env.store.NewJob(ctx, jobs.CreateParams{Topic: "alpha launch recap"}); err != nil {
		t.Fatalf("new job: %v", err)
	}

	out, _, err := runCLI(t, []string{"health"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	requireContains(t, out, "Healthy: yes")
	requireContains(t, out, "Total: 1")
	requireContains(t, out, "Pending: 1")
	requireContains(t, out, "Data directory")
	requireContains(t, out, "[OK]")
}

func TestHealthDatabase(t *testing.T) {
	env := setupCLITestEnv(t)
	ctx := context.Background()

	if _, err := env.store.NewJob(ctx, jobs.CreateParams{Topic: "alpha launch recap"}); err != nil {
		t.Fatalf("new job: %v", err)
	}

	out, _, err := runCLI(t, []string{"health", "--database"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("health --database: %v", err)
	}
	requireContains(t, out, "Database path:")
	requireContains(t, out, "Database exists: yes")
	requireContains(t, out, "stage_results")
	requireContains(t, out, "Integrity check: yes")
	requireContains(t, out, "Total jobs: 1")
}

func TestTestNotifyCommand(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"test-notify"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("test-notify: %v", err)
	}
	requireContains(t, out, "ntfy topic not configured")
}
