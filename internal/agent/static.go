package agent

import (
	"context"

	"github.com/ashureev/interview-live/internal/persona"
)

// StaticResponder answers from fixed per-persona question banks. It is the
// offline backend and never fails.
type StaticResponder struct {
	questions map[persona.ID][]string
}

// NewStaticResponder returns a responder with the built-in question banks.
func NewStaticResponder() *StaticResponder {
	return &StaticResponder{questions: map[persona.ID][]string{
		persona.Technical: {
			"How would you design a rate limiter for a public API, and what trade-offs would you weigh?",
			"Tell me about a production bug you debugged. How did you find the root cause?",
			"How do you decide between a relational database and a key-value store for a new service?",
			"What does your testing strategy look like for concurrent code?",
			"If latency doubled overnight, what would you measure first?",
		},
		persona.HR: {
			"What kind of team environment helps you do your best work?",
			"Where do you see your career going over the next few years?",
			"How do you prefer to receive feedback?",
			"What would make you excited to join us on day one?",
		},
		persona.Behavioral: {
			"Tell me about a time a project missed its deadline. What did you do?",
			"Describe a situation where you had to lead without formal authority.",
			"Give me an example of a mistake you made and what you learned from it.",
			"Tell me about a time you had to adapt to a sudden change in priorities.",
		},
		persona.Final: {
			"Thank you. Is there anything you'd like to add before we close?",
		},
	}}
}

// Respond picks the next question for the persona, cycling through its bank.
func (s *StaticResponder) Respond(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	bank := s.questions[req.Persona.ID]
	if len(bank) == 0 {
		return req.Persona.Fallback, nil
	}
	asked := 0
	for _, t := range req.Transcript {
		if t.Role == RoleInterviewer && t.Speaker == req.Persona.DisplayName {
			asked++
		}
	}
	return bank[asked%len(bank)], nil
}
