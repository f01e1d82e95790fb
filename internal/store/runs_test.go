package store

import (
	"testing"
)

func TestConsolidationRunLifecycle(t *testing.T) {
	db := testDB(t)

	run, err := db.StartRun()
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if run.ID == "" || run.Status != "running" {
		t.Fatalf("run = %+v, want running with an ID", run)
	}

	got, err := db.GetRun(run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != "running" || got.EndedAt != nil {
		t.Errorf("in-flight run = %+v", got)
	}

	run.Status = "completed"
	run.EpisodesProcessed = 3
	run.FactsExtracted = 5
	run.MemoriesDecayed = 2
	if err := db.FinishRun(run); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	got, err = db.GetRun(run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != "completed" || got.EndedAt == nil {
		t.Errorf("finished run = %+v", got)
	}
	if got.EpisodesProcessed != 3 || got.FactsExtracted != 5 || got.MemoriesDecayed != 2 {
		t.Errorf("counters = %+v", got)
	}
	if got.Error != "" {
		t.Errorf("Error = %q, want empty", got.Error)
	}
}

func TestGetRunNotFound(t *testing.T) {
	db := testDB(t)

	got, err := db.GetRun("nope")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got != nil {
		t.Errorf("GetRun = %+v, want nil", got)
	}
}

func TestUserProfileMerge(t *testing.T) {
	db := testDB(t)

	// unknown user: empty map, no error
	p, err := db.GetUserProfile("u1")
	if err != nil {
		t.Fatalf("GetUserProfile: %v", err)
	}
	if len(p) != 0 {
		t.Errorf("profile = %+v, want empty", p)
	}

	if err := db.UpdateUserProfile("u1", map[string]any{"language": "go", "editor": "vim"}); err != nil {
		t.Fatalf("UpdateUserProfile: %v", err)
	}
	if err := db.UpdateUserProfile("u1", map[string]any{"editor": "helix"}); err != nil {
		t.Fatalf("UpdateUserProfile: %v", err)
	}

	p, err = db.GetUserProfile("u1")
	if err != nil {
		t.Fatalf("GetUserProfile: %v", err)
	}
	if p["language"] != "go" {
		t.Errorf("language = %v, want untouched go", p["language"])
	}
	if p["editor"] != "helix" {
		t.Errorf("editor = %v, want overwritten helix", p["editor"])
	}

	if err := db.UpdateUserProfile("", map[string]any{"x": 1}); err == nil {
		t.Error("expected error for empty user id")
	}
}
