package agent

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ashureev/evalstream/internal/domain"
	"google.golang.org/genai"
)

type recordingRegistrar struct {
	mu   sync.Mutex
	regs []domain.Registration
}

func (r *recordingRegistrar) RegisterUser(_ context.Context, reg domain.Registration) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regs = append(r.regs, reg)
	return "Success: registered " + reg.Name, nil
}

// fakeGemini serves one SSE response per request from the scripted bodies.
type fakeGemini struct {
	mu     sync.Mutex
	script [][]string
	bodies []string
}

func (f *fakeGemini) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	idx := len(f.bodies)
	f.bodies = append(f.bodies, string(body))
	f.mu.Unlock()

	if !strings.Contains(r.URL.Path, "streamGenerateContent") || idx >= len(f.script) {
		http.Error(w, "unexpected request", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	for _, chunk := range f.script[idx] {
		fmt.Fprintf(w, "data: %s\n\n", chunk)
		if fl, ok := w.(http.Flusher); ok {
			fl.Flush()
		}
	}
}

func textChunk(text string) string {
	return fmt.Sprintf(`{"candidates":[{"content":{"role":"model","parts":[{"text":%q}]}}]}`, text)
}

func newTestGemini(t *testing.T, fake *fakeGemini, reg Registrar) *GeminiGenerator {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	gen, err := NewGeminiGenerator(context.Background(), GeminiConfig{
		APIKey:      "test-key",
		Model:       "test-model",
		Temperature: 0.7,
		BaseURL:     srv.URL + "/",
	}, reg, nil)
	if err != nil {
		t.Fatalf("NewGeminiGenerator: %v", err)
	}
	return gen
}

func TestGeminiGeneratorStreamsText(t *testing.T) {
	fake := &fakeGemini{script: [][]string{{textChunk("Hello <<SCO"), textChunk("RE: 45>>world")}}}
	gen := newTestGemini(t, fake, nil)

	updates, err := collect(t, NewConsumer(gen, 0, nil).Exchange(context.Background(), Request{
		Text:     "Alice",
		Language: domain.LanguageEnglish,
		History:  []Turn{{Role: domain.RoleAssistant, Text: "Welcome"}},
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	last := updates[len(updates)-1]
	if last.Text != "Helloworld" || last.Score == nil || *last.Score != 45 {
		t.Fatalf("unexpected final update %+v", last)
	}
	if strings.Contains(fake.bodies[0], RegisterUserTool) {
		t.Error("registerUser tool must not be offered without a registrar")
	}
}

func TestGeminiGeneratorRunsRegisterTool(t *testing.T) {
	call := `{"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"registerUser","args":{"name":"Bob","email":"bob@example.com","phone":"0812345678"}}}]}}]}`
	fake := &fakeGemini{script: [][]string{
		{textChunk("One moment. "), call},
		{textChunk("Bob is registered.")},
	}}
	reg := &recordingRegistrar{}
	gen := newTestGemini(t, fake, reg)

	var text strings.Builder
	for frag, err := range gen.Stream(context.Background(), Request{Text: "register Bob"}) {
		if err != nil {
			t.Fatalf("stream error: %v", err)
		}
		text.WriteString(frag.Text)
	}

	if got := text.String(); got != "One moment. Bob is registered." {
		t.Errorf("streamed text = %q", got)
	}
	if len(reg.regs) != 1 || reg.regs[0] != (domain.Registration{Name: "Bob", Email: "bob@example.com", Phone: "0812345678"}) {
		t.Fatalf("unexpected registrations %+v", reg.regs)
	}
	if len(fake.bodies) != 2 {
		t.Fatalf("expected follow-up request, got %d requests", len(fake.bodies))
	}
	if !strings.Contains(fake.bodies[0], RegisterUserTool) {
		t.Error("expected tool declaration in first request")
	}
	if !strings.Contains(fake.bodies[1], "Success: registered Bob") {
		t.Error("expected tool result in follow-up request")
	}
}

func TestBuildContentsMapsRoles(t *testing.T) {
	contents := buildContents(Request{
		Text: "next",
		History: []Turn{
			{Role: domain.RoleAssistant, Text: "Welcome"},
			{Role: domain.RoleUser, Text: "Alice"},
		},
	})
	if len(contents) != 3 {
		t.Fatalf("expected 3 contents, got %d", len(contents))
	}
	wantRoles := []string{string(genai.RoleModel), string(genai.RoleUser), string(genai.RoleUser)}
	for i, c := range contents {
		if c.Role != wantRoles[i] {
			t.Errorf("content %d role = %q, want %q", i, c.Role, wantRoles[i])
		}
	}
}

func TestComposeInstructionRepeatsLanguage(t *testing.T) {
	got := composeInstruction(domain.LanguageVietnamese, "BASE")
	li := LanguageInstruction(domain.LanguageVietnamese)
	if strings.Count(got, li) != 2 || !strings.Contains(got, "BASE") {
		t.Errorf("unexpected instruction %q", got)
	}
}

func TestRegistrationFromArgsToleratesMissingFields(t *testing.T) {
	got := registrationFromArgs(map[string]any{"name": "Ann", "phone": 42})
	if got != (domain.Registration{Name: "Ann"}) {
		t.Errorf("unexpected registration %+v", got)
	}
}
