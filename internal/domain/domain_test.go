package domain

import "testing"

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		score int
		want  Status
	}{
		{0, StatusInProgress},
		{79, StatusInProgress},
		{80, StatusPassed},
		{99, StatusPassed},
		{100, StatusCertified},
	}

	for _, tt := range tests {
		if got := DeriveStatus(tt.score); got != tt.want {
			t.Errorf("DeriveStatus(%d) = %q, want %q", tt.score, got, tt.want)
		}
	}
}

func TestParseLanguage(t *testing.T) {
	tests := map[string]Language{
		"en":  LanguageEnglish,
		"TH":  LanguageThai,
		" vi": LanguageVietnamese,
		"fr":  LanguageEnglish,
		"":    LanguageEnglish,
	}
	for in, want := range tests {
		if got := ParseLanguage(in); got != want {
			t.Errorf("ParseLanguage(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestClampFontSizeIndex(t *testing.T) {
	if got := ClampFontSizeIndex(-3); got != 0 {
		t.Errorf("expected 0, got %d", got)
	}
	if got := ClampFontSizeIndex(99); got != len(FontSizes)-1 {
		t.Errorf("expected %d, got %d", len(FontSizes)-1, got)
	}
	if got := ClampFontSizeIndex(2); got != 2 {
		t.Errorf("expected 2, got %d", got)
	}
}

func TestSessionStateCloneIsDeep(t *testing.T) {
	s := NewSessionState(LanguageEnglish)
	s.Messages = append(s.Messages, NewMessage(RoleUser, "hi"))

	c := s.Clone()
	c.Messages[0].Text = "changed"

	if s.Messages[0].Text != "hi" {
		t.Fatalf("clone shares message storage with original")
	}
}

func TestNewMessageIDsAreOrdered(t *testing.T) {
	a := NewMessageID()
	b := NewMessageID()
	if a == b {
		t.Fatal("expected unique message ids")
	}
	if a > b {
		t.Fatalf("expected time-ordered ids, got %s after %s", b, a)
	}
}
