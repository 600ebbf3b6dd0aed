package arbitration

import (
	"fmt"
	"testing"

	"github.com/MikeSquared-Agency/aegis/internal/model"
)

var segs = []model.Segment{
	{ID: "a", StartSec: 0, EndSec: 2, Text: "this is a sure thing"},
	{ID: "b", StartSec: 2, EndSec: 4, Text: "with guaranteed returns"},
	{ID: "c", StartSec: 4, EndSec: 6, Text: "act now"},
}

func win(seq uint64, from, to int) model.Window {
	return model.NewWindow("s", seq, segs[from:to], 0)
}

var nextID int

func finding(w model.Window, rule string, sev model.Severity, conf float64, start, end int) model.Finding {
	nextID++
	return model.Finding{
		ID:         fmt.Sprintf("f%d", nextID),
		WindowID:   w.ID,
		WindowSeq:  w.Seq,
		RuleID:     rule,
		Severity:   sev,
		Confidence: conf,
		Span:       w.Locate(start, end),
	}
}

func TestArbitrate_HigherSeverityWinsOverlap(t *testing.T) {
	a := New(1)
	w := win(1, 0, 2)
	lo := finding(w, "a-rule", model.SeverityMedium, 1.0, 10, 20)
	hi := finding(w, "z-rule", model.SeverityHigh, 0.6, 10, 20)

	out := a.Arbitrate(w, []model.Finding{lo, hi})
	if len(out) != 1 || out[0].ID != hi.ID {
		t.Fatalf("expected only the high severity finding, got %+v", out)
	}
}

func TestArbitrate_TieBreaks(t *testing.T) {
	w := win(1, 0, 2)

	t.Run("confidence", func(t *testing.T) {
		a := New(1)
		x := finding(w, "a", model.SeverityHigh, 0.7, 0, 10)
		y := finding(w, "b", model.SeverityHigh, 0.9, 5, 15)
		out := a.Arbitrate(w, []model.Finding{x, y})
		if len(out) != 1 || out[0].RuleID != "b" {
			t.Errorf("expected higher confidence to win, got %+v", out)
		}
	})

	t.Run("rule id", func(t *testing.T) {
		x := finding(w, "beta", model.SeverityHigh, 0.8, 0, 10)
		y := finding(w, "alpha", model.SeverityHigh, 0.8, 5, 15)
		for _, in := range [][]model.Finding{{x, y}, {y, x}} {
			out := New(1).Arbitrate(w, in)
			if len(out) != 1 || out[0].RuleID != "alpha" {
				t.Errorf("expected alpha regardless of input order, got %+v", out)
			}
		}
	})
}

func TestArbitrate_NonOverlappingKeptAndOrdered(t *testing.T) {
	a := New(1)
	w := win(1, 0, 3)
	late := finding(w, "a", model.SeverityCritical, 1, 30, 40)
	early := finding(w, "z", model.SeverityLow, 1, 0, 5)

	out := a.Arbitrate(w, []model.Finding{late, early})
	if len(out) != 2 {
		t.Fatalf("expected 2 findings, got %d", len(out))
	}
	if out[0].ID != early.ID || out[1].ID != late.ID {
		t.Error("output should be ordered by span start")
	}
}

func TestArbitrate_SuppressesDuplicateFromOverlappingWindow(t *testing.T) {
	a := New(1)

	w1 := win(1, 0, 2) // a b
	off := len("this is a sure thing ")
	f1 := finding(w1, "guarantee", model.SeverityHigh, 1, off+5, off+23)
	if out := a.Arbitrate(w1, []model.Finding{f1}); len(out) != 1 {
		t.Fatalf("first window should promote, got %d", len(out))
	}

	w2 := win(2, 1, 3) // b c, b carried over
	f2 := finding(w2, "guarantee", model.SeverityHigh, 1, 5, 23)
	if f1.Span.Key() != f2.Span.Key() {
		t.Fatalf("span keys differ: %s vs %s", f1.Span.Key(), f2.Span.Key())
	}
	if out := a.Arbitrate(w2, []model.Finding{f2}); len(out) != 0 {
		t.Errorf("duplicate from overlapping tail should be suppressed, got %+v", out)
	}
}

func TestArbitrate_DedupSetBounded(t *testing.T) {
	a := New(1) // horizon of 2 windows
	w1 := win(1, 0, 1)
	f := finding(w1, "r", model.SeverityHigh, 1, 0, 4)
	a.Arbitrate(w1, []model.Finding{f})
	if a.Tracked() != 1 {
		t.Fatalf("expected 1 tracked entry, got %d", a.Tracked())
	}

	for seq := uint64(2); seq <= 4; seq++ {
		a.Arbitrate(model.NewWindow("s", seq, segs[2:3], 0), nil)
	}
	if a.Tracked() != 0 {
		t.Errorf("entry outside the horizon should be evicted, still tracking %d", a.Tracked())
	}

	// Once evicted the same span can be promoted again.
	if out := a.Arbitrate(model.NewWindow("s", 5, segs[0:1], 0), []model.Finding{f}); len(out) != 1 {
		t.Errorf("expected re-promotion after eviction, got %d", len(out))
	}
}

func TestArbitrate_SupersedesWeakerRuleOnSameSpan(t *testing.T) {
	a := New(2)
	w1 := win(1, 0, 2)
	weak := finding(w1, "pressure", model.SeverityMedium, 1, 0, 4)
	a.Arbitrate(w1, []model.Finding{weak})

	w2 := win(2, 0, 3)
	strong := finding(w2, "insider", model.SeverityCritical, 1, 0, 4)
	out := a.Arbitrate(w2, []model.Finding{strong})
	if len(out) != 1 {
		t.Fatalf("expected stronger rule to be promoted, got %d", len(out))
	}
	if out[0].Supersedes != weak.ID {
		t.Errorf("supersedes = %q, want %q", out[0].Supersedes, weak.ID)
	}

	w3 := win(3, 0, 3)
	weaker := finding(w3, "another", model.SeverityLow, 1, 0, 4)
	out = a.Arbitrate(w3, []model.Finding{weaker})
	if len(out) != 1 || out[0].Supersedes != "" {
		t.Errorf("a weaker rule must not supersede, got %+v", out)
	}
}

func TestBetter(t *testing.T) {
	hi := model.Finding{RuleID: "b", Severity: model.SeverityHigh, Confidence: 0.5}
	med := model.Finding{RuleID: "a", Severity: model.SeverityMedium, Confidence: 1}
	if !Better(hi, med) || Better(med, hi) {
		t.Error("severity should dominate confidence and rule id")
	}
}
