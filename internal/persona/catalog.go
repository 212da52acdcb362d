// Package persona holds the static registry of interviewer personas.
package persona

import (
	"github.com/ashureev/interview-live/internal/domain"
)

// ID identifies an interviewer persona. The set is closed.
type ID string

const (
	Technical  ID = "technical"
	HR         ID = "hr"
	Behavioral ID = "behavioral"
	Final      ID = "final"
)

// IDs lists every registered persona in interview order.
var IDs = []ID{Technical, HR, Behavioral, Final}

// Descriptor is read-only reference data for one persona.
type Descriptor struct {
	ID           ID           `json:"id"`
	DisplayName  string       `json:"displayName"`
	Stage        domain.Stage `json:"stage"`
	VoiceHint    string       `json:"voiceHint"`
	SystemPrompt string       `json:"-"`
	Welcome      string       `json:"-"`
	Fallback     string       `json:"-"`
}

// Catalog maps persona ids and stages to descriptors.
type Catalog struct {
	byID    map[ID]Descriptor
	byStage map[domain.Stage]ID
}

// NewCatalog builds a catalog from descriptors. Later entries for the same
// stage replace earlier ones.
func NewCatalog(descriptors ...Descriptor) *Catalog {
	c := &Catalog{
		byID:    make(map[ID]Descriptor, len(descriptors)),
		byStage: make(map[domain.Stage]ID, len(descriptors)),
	}
	for _, d := range descriptors {
		c.byID[d.ID] = d
		c.byStage[d.Stage] = d.ID
	}
	return c
}

// Default returns the built-in four-persona catalog.
func Default() *Catalog {
	return NewCatalog(defaultDescriptors()...)
}

// Get returns the descriptor for id.
func (c *Catalog) Get(id ID) (Descriptor, error) {
	d, ok := c.byID[id]
	if !ok {
		return Descriptor{}, &domain.UnknownPersonaError{PersonaID: string(id)}
	}
	return d, nil
}

// ForStage returns the persona that owns stage.
func (c *Catalog) ForStage(stage domain.Stage) (Descriptor, error) {
	id, ok := c.byStage[stage]
	if !ok {
		return Descriptor{}, &domain.UnknownPersonaError{Stage: stage}
	}
	return c.Get(id)
}

// List returns descriptors in interview order.
func (c *Catalog) List() []Descriptor {
	out := make([]Descriptor, 0, len(c.byID))
	for _, stage := range domain.Stages {
		if d, err := c.ForStage(stage); err == nil {
			out = append(out, d)
		}
	}
	return out
}

func defaultDescriptors() []Descriptor {
	return []Descriptor{
		{
			ID:          Technical,
			DisplayName: "Alex Chen, Senior Engineer",
			Stage:       domain.StageTechnical,
			VoiceHint:   "calm, precise",
			SystemPrompt: "You are Alex Chen, a senior software engineer running the technical round of a job interview. " +
				"Ask one focused question at a time about system design, algorithms, debugging and the candidate's past projects. " +
				"Probe for depth when an answer is vague. Keep each turn under 80 words and never reveal scores.",
			Welcome:  "Hi, I'm Alex. I'll be running the technical part of today's interview. To start, walk me through a project you're proud of and the hardest technical problem you solved in it.",
			Fallback: "Sorry, I lost my train of thought for a moment. Could you expand a bit on the technical trade-offs in what you just described?",
		},
		{
			ID:          HR,
			DisplayName: "Priya Natarajan, People Partner",
			Stage:       domain.StageHR,
			VoiceHint:   "warm, conversational",
			SystemPrompt: "You are Priya Natarajan, an HR partner conducting the HR round of a job interview. " +
				"Ask about motivation, career goals, expectations, culture fit and communication style, one question at a time. " +
				"Be warm and concise, under 70 words per turn, and never reveal scores.",
			Welcome:  "Thanks for joining me, I'm Priya from the people team. I'd love to hear what drew you to this role and what you're looking for in your next team.",
			Fallback: "Apologies, I missed part of that. Could you tell me a bit more about what matters most to you in a team?",
		},
		{
			ID:          Behavioral,
			DisplayName: "Marcus Reed, Engineering Manager",
			Stage:       domain.StageBehavioral,
			VoiceHint:   "direct, encouraging",
			SystemPrompt: "You are Marcus Reed, an engineering manager running the behavioral round of a job interview. " +
				"Ask situational questions and expect STAR-style answers about conflict, leadership, failure and teamwork. " +
				"Ask for the concrete result when it is missing. Under 70 words per turn, never reveal scores.",
			Welcome:  "Hi, I'm Marcus. For this part I'd like to hear about real situations. Tell me about a time you disagreed with a teammate and how you resolved it.",
			Fallback: "Sorry, give me a second. What was the outcome of that situation, and what would you do differently next time?",
		},
		{
			ID:          Final,
			DisplayName: "Interview Panel",
			Stage:       domain.StageFeedback,
			VoiceHint:   "neutral, summarizing",
			SystemPrompt: "You are the interview panel delivering closing feedback. Summarize strengths and growth areas in under 120 words, " +
				"referencing what the candidate actually said.",
			Welcome:  "Thank you for your time today. The panel will now put together your feedback.",
			Fallback: "Thank you for your time today. Your feedback summary will be available shortly.",
		},
	}
}
