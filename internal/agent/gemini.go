package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// DefaultGeminiModel is used when no model is configured.
const DefaultGeminiModel = "gemini-2.5-flash"

// GeminiResponder generates persona turns with the Gemini API.
type GeminiResponder struct {
	client *genai.Client
	model  string
}

// NewGeminiResponder creates a Gemini-backed responder.
func NewGeminiResponder(ctx context.Context, apiKey, model string) (*GeminiResponder, error) {
	if apiKey == "" {
		return nil, errors.New("gemini API key is required")
	}
	if model == "" {
		model = DefaultGeminiModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiResponder{client: client, model: model}, nil
}

// Respond asks the model for the persona's next turn.
func (g *GeminiResponder) Respond(ctx context.Context, req Request) (string, error) {
	contents := geminiContents(req.Transcript)
	if len(contents) == 0 {
		contents = []*genai.Content{genai.NewContentFromText("Begin the interview.", genai.RoleUser)}
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemInstruction(req), genai.RoleUser),
	})
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	return resp.Text(), nil
}

// geminiContents maps interviewer turns to the model role and everything else
// to the user role, merging consecutive turns of the same role.
func geminiContents(turns []Turn) []*genai.Content {
	var (
		out  []*genai.Content
		role genai.Role
		buf  strings.Builder
	)
	flush := func() {
		if buf.Len() > 0 {
			out = append(out, genai.NewContentFromText(buf.String(), role))
			buf.Reset()
		}
	}
	for _, t := range turns {
		var r genai.Role = genai.RoleUser
		line := t.Content
		switch t.Role {
		case RoleInterviewer:
			r = genai.RoleModel
		case RoleSystem:
			line = "[" + t.Content + "]"
		}
		if r != role {
			flush()
			role = r
		}
		if buf.Len() > 0 {
			buf.WriteByte('\n')
		}
		buf.WriteString(line)
	}
	flush()
	return out
}

func systemInstruction(req Request) string {
	var b strings.Builder
	b.WriteString(req.Persona.SystemPrompt)
	if req.InitialContext != "" {
		b.WriteString("\n\nCandidate background:\n")
		b.WriteString(req.InitialContext)
	}
	return b.String()
}
