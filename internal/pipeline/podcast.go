package pipeline

import (
	"context"
	"strings"

	"github.com/petrijr/stageflow/pkg/api"
)

// Podcast workflow event kinds.
const (
	KindOutlined api.Kind = "outline.complete"
	KindScripted api.Kind = "script.complete"
)

// Episode is the Value of a completed podcast run.
type Episode struct {
	Outline    string
	Script     string
	Audio      string
	Iterations int
	Capped     bool
}

// Podcast returns the podcast workflow: outline, a script revise loop, and
// audio rendering of the final script.
func Podcast(opts Options) api.WorkflowDefinition {
	script := api.ReviseLoop{
		Name:          "script",
		Producer:      TaskScriptWriter,
		Critic:        TaskScriptCritic,
		MaxIterations: opts.ScriptIterations,
		Trigger:       []api.Kind{KindOutlined},
		Done:          KindScripted,
	}
	scriptSteps, err := script.Steps()
	if err != nil {
		panic(err)
	}

	steps := []api.StepDefinition{{
		Name:     "outline",
		Accepts:  []api.Kind{api.KindStart},
		Emits:    []api.Kind{KindOutlined},
		Requires: []string{TaskOutlineWriter},
		Fn:       outline,
	}}
	steps = append(steps, scriptSteps...)
	steps = append(steps, api.StepDefinition{
		Name:     "audio",
		Accepts:  []api.Kind{KindScripted},
		Requires: []string{TaskAudio},
		Fn:       renderAudio,
	})

	return api.WorkflowDefinition{Name: PodcastWorkflow, Steps: steps}
}

const keyOutline = "outline"

func outline(ctx context.Context, sc *api.StepContext, ev api.Event) (api.StepResult, error) {
	res, err := api.DelegateTask(ctx, sc, TaskOutlineWriter, ev.Input)
	if err != nil {
		return api.StepResult{}, err
	}
	sc.Set(keyOutline, res.Response)
	sc.Progressf(TaskOutlineWriter, "Generated podcast outline with %d segments", segments(res.Response))
	return api.Advance(api.NewEvent(KindOutlined, res.Response)), nil
}

// segments counts the non-empty lines of an outline.
func segments(outline string) int {
	n := 0
	for _, line := range strings.Split(outline, "\n") {
		if strings.TrimSpace(line) != "" {
			n++
		}
	}
	return n
}

func renderAudio(ctx context.Context, sc *api.StepContext, ev api.Event) (api.StepResult, error) {
	ep := Episode{
		Outline: sc.GetString(keyOutline),
		Script:  ev.Input,
	}
	if out, ok := ev.Data.(api.ReviseOutcome); ok {
		ep.Iterations = out.Iterations
		ep.Capped = out.Capped
	}

	res, err := api.DelegateTask(ctx, sc, TaskAudio, ev.Input)
	if err != nil {
		return api.StepResult{}, err
	}
	ep.Audio = res.Response
	return api.Terminate(api.Result{Response: ep.Script, Value: ep}), nil
}
