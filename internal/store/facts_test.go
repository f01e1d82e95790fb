package store

import (
	"testing"
)

func TestCreateFactWithProvenance(t *testing.T) {
	db := testDB(t)

	f := &Fact{
		Content:    "prefers TypeScript over JavaScript",
		Category:   "preference",
		Confidence: 0.9,
		UserID:     "u1",
	}
	if err := db.CreateFact(f); err != nil {
		t.Fatalf("CreateFact: %v", err)
	}
	if f.ID == "" {
		t.Fatal("CreateFact did not assign an ID")
	}

	p, err := db.GetProvenance(f.ID, MemoryTypeFact)
	if err != nil {
		t.Fatalf("GetProvenance: %v", err)
	}
	if p == nil {
		t.Fatal("fact created without provenance")
	}
	if p.InitialConfidence != 0.9 || p.CurrentConfidence != 0.9 {
		t.Errorf("provenance confidence = %.2f/%.2f, want 0.9/0.9", p.InitialConfidence, p.CurrentConfidence)
	}
	if len(p.ConfidenceHistory) != 1 || p.ConfidenceHistory[0].Reason != "created" {
		t.Errorf("history = %+v, want one 'created' entry", p.ConfidenceHistory)
	}
}

func TestCreateFactClampsConfidence(t *testing.T) {
	db := testDB(t)

	f := &Fact{Content: "x", Category: "general", Confidence: 1.7, UserID: "u1"}
	if err := db.CreateFact(f); err != nil {
		t.Fatalf("CreateFact: %v", err)
	}
	if f.Confidence != 1.0 {
		t.Errorf("Confidence = %.2f, want 1.0", f.Confidence)
	}
}

func TestCreateFactValidation(t *testing.T) {
	db := testDB(t)

	if err := db.CreateFact(&Fact{Category: "general", UserID: "u1"}); err == nil {
		t.Error("expected error for empty content")
	}
	if err := db.CreateFact(&Fact{Content: "x", Category: "bogus", UserID: "u1"}); err == nil {
		t.Error("expected error for invalid category")
	}
}

func TestKeywordSearchFacts(t *testing.T) {
	db := testDB(t)

	for _, content := range []string{
		"prefers TypeScript over JavaScript",
		"works on the api-gateway project",
		"uses TypeScript for frontend work",
	} {
		if err := db.CreateFact(&Fact{Content: content, Category: "general", Confidence: 0.8, UserID: "u1"}); err != nil {
			t.Fatalf("CreateFact: %v", err)
		}
	}

	hits, err := db.KeywordSearchFacts("typescript frontend", "u1", "", 10)
	if err != nil {
		t.Fatalf("KeywordSearchFacts: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("len = %d, want 2", len(hits))
	}
	if hits[0].Content != "uses TypeScript for frontend work" {
		t.Errorf("top hit = %q, want the two-term match first", hits[0].Content)
	}

	none, err := db.KeywordSearchFacts("kubernetes", "u1", "", 10)
	if err != nil {
		t.Fatalf("KeywordSearchFacts: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("len = %d, want 0", len(none))
	}
}

func TestUpdateFactConfidenceSyncsRow(t *testing.T) {
	db := testDB(t)

	f := &Fact{Content: "x", Category: "general", Confidence: 0.8, UserID: "u1"}
	if err := db.CreateFact(f); err != nil {
		t.Fatalf("CreateFact: %v", err)
	}

	if err := db.UpdateFactConfidence(f.ID, 0.4, "manual"); err != nil {
		t.Fatalf("UpdateFactConfidence: %v", err)
	}

	got, _ := db.GetFact(f.ID)
	if got.Confidence != 0.4 {
		t.Errorf("fact confidence = %.2f, want 0.4", got.Confidence)
	}
	p, _ := db.GetProvenance(f.ID, MemoryTypeFact)
	if p.CurrentConfidence != 0.4 {
		t.Errorf("provenance confidence = %.2f, want 0.4", p.CurrentConfidence)
	}
	last := p.ConfidenceHistory[len(p.ConfidenceHistory)-1]
	if last.Reason != "manual" || last.Value != 0.4 {
		t.Errorf("last history entry = %+v", last)
	}
}

func TestDeleteFactRemovesDerived(t *testing.T) {
	db := testDB(t)

	f := &Fact{Content: "x", Category: "general", Confidence: 0.8, UserID: "u1"}
	if err := db.CreateFact(f); err != nil {
		t.Fatalf("CreateFact: %v", err)
	}
	if err := db.SaveVector(f.ID, MemoryTypeFact, []float64{1, 2, 3}, "hash"); err != nil {
		t.Fatalf("SaveVector: %v", err)
	}

	if err := db.DeleteFact(f.ID); err != nil {
		t.Fatalf("DeleteFact: %v", err)
	}

	if got, _ := db.GetFact(f.ID); got != nil {
		t.Error("fact still present")
	}
	if p, _ := db.GetProvenance(f.ID, MemoryTypeFact); p != nil {
		t.Error("provenance still present")
	}
	if v, _ := db.GetVector(f.ID, MemoryTypeFact); v != nil {
		t.Error("vector still present")
	}
}
