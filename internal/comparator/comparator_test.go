package comparator

import "testing"

func TestDiffer_EmptyBody(t *testing.T) {
	if Differ("", "something") {
		t.Error("expected false when a is empty")
	}
	if Differ("something", "") {
		t.Error("expected false when b is empty")
	}
}

func TestDiffer_Identical(t *testing.T) {
	if Differ("same body content", "same body content") {
		t.Error("expected identical bodies to not differ")
	}
}

func TestDiffer_LengthDelta(t *testing.T) {
	a := "short"
	b := a
	for i := 0; i < 100; i++ {
		b += "x"
	}
	if !Differ(a, b) {
		t.Error("expected a large length delta to be flagged as different")
	}
}

func TestDiffer_SimilarityRatio(t *testing.T) {
	a := "The quick brown fox jumps over the lazy dog near the river bank today"
	b := "Totally different content that shares almost nothing with the other string value"
	if !Differ(a, b) {
		t.Error("expected dissimilar similar-length bodies to be flagged as different")
	}
}

func TestDiffer_MinorDifference(t *testing.T) {
	a := "Welcome back, user! Your session is active and everything looks fine today."
	b := "Welcome back, user! Your session is active and everything looks fine today!"
	if Differ(a, b) {
		t.Error("expected a one-character difference to be treated as noise")
	}
}
