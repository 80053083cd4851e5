package agent

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"github.com/ashureev/evalstream/internal/domain"
	"google.golang.org/genai"
)

// RegisterUserTool is the function the model may call to register a participant.
const RegisterUserTool = "registerUser"

// Registrar executes the registerUser tool.
type Registrar interface {
	// RegisterUser stores the registration and returns a result string for the model.
	RegisterUser(ctx context.Context, reg domain.Registration) (string, error)
}

// GeminiConfig holds settings for the Gemini backend.
type GeminiConfig struct {
	APIKey      string
	Model       string
	Temperature float32
	// BaseURL overrides the API endpoint. Empty uses the default.
	BaseURL string
}

// DefaultGeminiModel is used when no model is configured.
const DefaultGeminiModel = "gemini-2.5-flash"

// GeminiGenerator streams replies from the Gemini API.
type GeminiGenerator struct {
	client      *genai.Client
	model       string
	temperature float32
	registrar   Registrar
	logger      *slog.Logger
}

// NewGeminiGenerator creates a Gemini backend. registrar may be nil, in which
// case the registerUser tool is not offered to the model.
func NewGeminiGenerator(ctx context.Context, cfg GeminiConfig, registrar Registrar, logger *slog.Logger) (*GeminiGenerator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.APIKey == "" {
		return nil, errors.New("gemini API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultGeminiModel
	}

	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &GeminiGenerator{
		client:      client,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		registrar:   registrar,
		logger:      logger,
	}, nil
}

// Close is a no-op; the genai client holds no releasable resources.
func (g *GeminiGenerator) Close() error {
	return nil
}

// Stream sends the request with its explicit history. When the model calls
// registerUser, the tool runs and the follow-up reply is streamed as part of
// the same exchange.
func (g *GeminiGenerator) Stream(ctx context.Context, req Request) iter.Seq2[*Fragment, error] {
	return func(yield func(*Fragment, error) bool) {
		contents := buildContents(req)
		config := g.generateConfig(req)

		var call *genai.FunctionCall
		for resp, err := range g.client.Models.GenerateContentStream(ctx, g.model, contents, config) {
			if err != nil {
				yield(nil, fmt.Errorf("gemini stream: %w", err))
				return
			}
			if text := resp.Text(); text != "" {
				if !yield(&Fragment{Text: text}, nil) {
					return
				}
			}
			if calls := resp.FunctionCalls(); len(calls) > 0 && call == nil {
				call = calls[0]
			}
		}
		if call == nil {
			return
		}

		g.logger.Info("executing model tool call", "tool", call.Name)
		result := g.runTool(ctx, call)

		callPart := &genai.Part{FunctionCall: call}
		respPart := genai.NewPartFromFunctionResponse(call.Name, map[string]any{"result": result})
		respPart.FunctionResponse.ID = call.ID
		contents = append(contents,
			genai.NewContentFromParts([]*genai.Part{callPart}, genai.RoleModel),
			genai.NewContentFromParts([]*genai.Part{respPart}, genai.RoleUser),
		)

		for resp, err := range g.client.Models.GenerateContentStream(ctx, g.model, contents, config) {
			if err != nil {
				yield(nil, fmt.Errorf("gemini follow-up stream: %w", err))
				return
			}
			if text := resp.Text(); text != "" {
				if !yield(&Fragment{Text: text}, nil) {
					return
				}
			}
		}
	}
}

func (g *GeminiGenerator) generateConfig(req Request) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{
		Temperature:       genai.Ptr(g.temperature),
		SystemInstruction: genai.NewContentFromText(composeInstruction(req.Language, req.SystemInstruction), genai.RoleUser),
	}
	if g.registrar != nil {
		config.Tools = []*genai.Tool{{FunctionDeclarations: []*genai.FunctionDeclaration{registerUserDeclaration()}}}
	}
	return config
}

func (g *GeminiGenerator) runTool(ctx context.Context, call *genai.FunctionCall) string {
	if call.Name != RegisterUserTool || g.registrar == nil {
		return "Error: Unknown function called."
	}
	reg := registrationFromArgs(call.Args)
	result, err := g.registrar.RegisterUser(ctx, reg)
	if err != nil {
		g.logger.Warn("registerUser tool failed", "error", err)
		return "Error: " + err.Error()
	}
	return result
}

func buildContents(req Request) []*genai.Content {
	contents := make([]*genai.Content, 0, len(req.History)+1)
	for _, t := range req.History {
		var role genai.Role = genai.RoleUser
		if t.Role == domain.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(t.Text, role))
	}
	return append(contents, genai.NewContentFromText(req.Text, genai.RoleUser))
}

func registerUserDeclaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        RegisterUserTool,
		Description: "Registers a new user. Use this when the user explicitly asks to register someone or themselves with specific details.",
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"name":  {Type: genai.TypeString, Description: "Full name of the user"},
				"email": {Type: genai.TypeString, Description: "Email address"},
				"phone": {Type: genai.TypeString, Description: "Phone number"},
			},
			Required: []string{"name", "email", "phone"},
		},
	}
}

func registrationFromArgs(args map[string]any) domain.Registration {
	str := func(k string) string {
		s, _ := args[k].(string)
		return s
	}
	return domain.Registration{Name: str("name"), Email: str("email"), Phone: str("phone")}
}
