package api

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// SharedContext keys set by decision steps.
const (
	KeyUserInput = "user_input"
	KeyStreaming = "streaming"
)

// DecisionSpec configures a routing step that asks a classifier task which
// branch to take.
type DecisionSpec struct {
	Name string

	// Trigger defaults to KindStart.
	Trigger Kind

	// Classifier is the task name resolved from the run registry.
	Classifier string

	// Routes maps normalised classifier answers to event kinds.
	Routes  map[string]Kind
	Default Kind

	// Prompt renders the classifier input. Defaults to DefaultDecisionPrompt.
	Prompt func(input string, history []Message) string
}

// DecisionStep builds the step described by spec. Every invocation
// advances with exactly one event: the matched route or Default.
func DecisionStep(spec DecisionSpec) (StepDefinition, error) {
	if spec.Name == "" {
		return StepDefinition{}, NewConfigurationError("", "", "decision step name is required")
	}
	if spec.Classifier == "" {
		return StepDefinition{}, NewConfigurationError("", spec.Name, "decision step needs a classifier task")
	}
	if spec.Default == "" || spec.Default.Reserved() {
		return StepDefinition{}, NewConfigurationError("", spec.Name, "decision step needs a non-reserved default kind")
	}
	trigger := spec.Trigger
	if trigger == "" {
		trigger = KindStart
	}
	prompt := spec.Prompt
	if prompt == nil {
		prompt = DefaultDecisionPrompt
	}

	routes := make(map[string]Kind, len(spec.Routes))
	for answer, k := range spec.Routes {
		if k == "" || k.Reserved() {
			return StepDefinition{}, NewConfigurationError("", spec.Name, "route %q targets invalid kind %q", answer, k)
		}
		routes[normalize(answer)] = k
	}

	return StepDefinition{
		Name:     spec.Name,
		Accepts:  []Kind{trigger},
		Emits:    routeKinds(routes, spec.Default),
		Requires: []string{spec.Classifier},
		Fn: func(ctx context.Context, sc *StepContext, ev Event) (StepResult, error) {
			sc.Set(KeyUserInput, ev.Input)
			sc.Set(KeyStreaming, ev.Flag(KeyStreaming))

			res, err := DelegateTask(ctx, sc, spec.Classifier, prompt(ev.Input, sc.History()))
			if err != nil {
				return StepResult{}, err
			}
			kind := Classify(res.Response, routes, spec.Default)
			sc.Progressf(spec.Name, "routing to %s", kind)

			next := NewEvent(kind, ev.Input)
			next.Flags = ev.Flags
			return Advance(next), nil
		},
	}, nil
}

// Classify normalises output (trimmed, lower-case) and returns the route it
// matches exactly, or def.
func Classify(output string, routes map[string]Kind, def Kind) Kind {
	if k, ok := routes[normalize(output)]; ok {
		return k
	}
	return def
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func routeKinds(routes map[string]Kind, def Kind) []Kind {
	set := map[Kind]struct{}{def: {}}
	for _, k := range routes {
		set[k] = struct{}{}
	}
	out := make([]Kind, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DefaultDecisionPrompt renders the chat history and the new input.
func DefaultDecisionPrompt(input string, history []Message) string {
	var b strings.Builder
	if len(history) > 0 {
		b.WriteString("Chat history:\n")
		for _, m := range history {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "New message:\n%s\n\nAnswer with the name of the route to take.", input)
	return b.String()
}
