package tags

import (
	"strings"
	"testing"
)

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }

func TestExtract(t *testing.T) {
	tests := []struct {
		name         string
		input        string
		wantText     string
		wantScore    *int
		wantFeedback *string
		wantPending  bool
		wantDropped  int
	}{
		{
			name:     "No tags",
			input:    "Hello world",
			wantText: "Hello world",
		},
		{
			name:      "Score tag",
			input:     "Nice answer. <<SCORE: 45>>",
			wantText:  "Nice answer.",
			wantScore: intPtr(45),
		},
		{
			name:      "Score tag without whitespace",
			input:     "ok<<SCORE:7>>",
			wantText:  "ok",
			wantScore: intPtr(7),
		},
		{
			name:      "Tag swallows leading whitespace",
			input:     "Hello <<SCORE: 45>>world",
			wantText:  "Helloworld",
			wantScore: intPtr(45),
		},
		{
			name:         "Feedback tag is trimmed",
			input:        "Close. <<FEEDBACK:   Missed SmartBrain introduction  >>",
			wantText:     "Close.",
			wantFeedback: strPtr("Missed SmartBrain introduction"),
		},
		{
			name:         "Score and feedback",
			input:        "Good <<SCORE: 80>> <<FEEDBACK: Mastered Demo Section>>",
			wantText:     "Good",
			wantScore:    intPtr(80),
			wantFeedback: strPtr("Mastered Demo Section"),
		},
		{
			name:        "Out of range score is stripped and ignored",
			input:       "Wow <<SCORE: 150>>",
			wantText:    "Wow",
			wantDropped: 1,
		},
		{
			name:        "Non numeric score is stripped and ignored",
			input:       "Wow <<SCORE: lots>>!",
			wantText:    "Wow!",
			wantDropped: 1,
		},
		{
			name:        "Score with no digits",
			input:       "a<<SCORE:>>b",
			wantText:    "ab",
			wantDropped: 1,
		},
		{
			name:        "Overflowing score",
			input:       "a<<SCORE: 999999999999999999999999>>",
			wantText:    "a",
			wantDropped: 1,
		},
		{
			name:        "Out of range first score leaves score unset",
			input:       "a<<SCORE: 150>>b<<SCORE: 30>>c<<SCORE: 60>>",
			wantText:    "abc",
			wantDropped: 1,
		},
		{
			name:      "First of two valid scores wins",
			input:     "a<<SCORE: 20>>b<<SCORE: 80>>",
			wantText:  "ab",
			wantScore: intPtr(20),
		},
		{
			name:        "Non numeric tag does not decide the score",
			input:       "a<<SCORE: lots>>b<<SCORE: 30>>",
			wantText:    "ab",
			wantScore:   intPtr(30),
			wantDropped: 1,
		},
		{
			name:        "Partial opening marker withheld",
			input:       "Hello <<SCO",
			wantText:    "Hello",
			wantPending: true,
		},
		{
			name:        "Single angle bracket withheld",
			input:       "Hello <",
			wantText:    "Hello ",
			wantPending: true,
		},
		{
			name:        "Opened feedback withheld",
			input:       "Great job! <<FEEDBACK: needs more",
			wantText:    "Great job!",
			wantPending: true,
		},
		{
			name:        "Score missing one closing bracket",
			input:       "x <<SCORE: 45>",
			wantText:    "x",
			wantPending: true,
		},
		{
			name:     "Unrelated double angle brackets are shown",
			input:    "use a << b in C++",
			wantText: "use a << b in C++",
		},
		{
			name:         "Feedback spans lines",
			input:        "x<<FEEDBACK: line one\nline two>>y",
			wantText:     "xy",
			wantFeedback: strPtr("line one\nline two"),
		},
		{
			name:        "Empty feedback",
			input:       "x<<FEEDBACK:   >>",
			wantText:    "x",
			wantDropped: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Extract(tt.input)
			if got.Text != tt.wantText {
				t.Errorf("Text = %q, want %q", got.Text, tt.wantText)
			}
			if !equalInt(got.Score, tt.wantScore) {
				t.Errorf("Score = %v, want %v", deref(got.Score), deref(tt.wantScore))
			}
			if !equalStr(got.Feedback, tt.wantFeedback) {
				t.Errorf("Feedback = %v, want %v", got.Feedback, tt.wantFeedback)
			}
			if got.Pending != tt.wantPending {
				t.Errorf("Pending = %v, want %v", got.Pending, tt.wantPending)
			}
			if got.Discarded != tt.wantDropped {
				t.Errorf("Discarded = %d, want %d", got.Discarded, tt.wantDropped)
			}
		})
	}
}

func TestExtractNeverShowsMarkers(t *testing.T) {
	inputs := []string{
		"Hello <<SCORE: 45>>world",
		"<<SCORE: 0>>",
		"a <<FEEDBACK: b>> c <<SCORE: 100>>",
		"trailing <<SCORE: 9",
	}
	for _, in := range inputs {
		got := Extract(in)
		if strings.Contains(got.Text, "<<") || strings.Contains(got.Text, ">>") {
			t.Errorf("Extract(%q).Text = %q contains tag markers", in, got.Text)
		}
	}
}

func TestFinalizeDropsUnterminatedTag(t *testing.T) {
	got := Finalize("Great job! <<FEEDBACK: needs more detail")
	if got.Text != "Great job!" {
		t.Errorf("Text = %q, want %q", got.Text, "Great job!")
	}
	if got.Feedback != nil {
		t.Errorf("expected no feedback, got %q", *got.Feedback)
	}
	if !got.Unterminated {
		t.Error("expected Unterminated to be set")
	}
	if got.Pending {
		t.Error("Finalize must not report Pending")
	}
}

func TestFinalizeKeepsLoneAngleBracket(t *testing.T) {
	got := Finalize("3 <")
	if got.Text != "3 <" {
		t.Errorf("Text = %q, want %q", got.Text, "3 <")
	}
	if got.Unterminated {
		t.Error("a lone '<' is not an unterminated tag")
	}
}

func TestFinalizeTrims(t *testing.T) {
	got := Finalize("  answer <<SCORE: 12>>\n")
	if got.Text != "answer" {
		t.Errorf("Text = %q, want %q", got.Text, "answer")
	}
	if got.Score == nil || *got.Score != 12 {
		t.Errorf("Score = %v, want 12", deref(got.Score))
	}
}

// Splitting the buffer anywhere must not change the end result, because the
// final pass always sees the whole buffer.
func TestSplitPointsConverge(t *testing.T) {
	full := "Hello <<SCORE: 45>>world <<FEEDBACK: Wrong payment provider>>"
	want := Finalize(full)

	for i := 0; i <= len(full); i++ {
		first := Extract(full[:i])
		if strings.Contains(first.Text, "<<") {
			t.Fatalf("split %d: intermediate text %q shows a marker", i, first.Text)
		}
		got := Finalize(full[:i] + full[i:])
		if got.Text != want.Text || deref(got.Score) != deref(want.Score) {
			t.Fatalf("split %d: got (%q, %d), want (%q, %d)", i, got.Text, deref(got.Score), want.Text, deref(want.Score))
		}
	}
}

func equalInt(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalStr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func deref(p *int) int {
	if p == nil {
		return -1
	}
	return *p
}
