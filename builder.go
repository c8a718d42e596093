package stageflow

import (
	"fmt"
	"time"

	"github.com/petrijr/stageflow/pkg/api"
)

// FlowBuilder provides a fluent API for defining workflows:
//
//	flow := stageflow.New("Greeting").
//	    Step("hello", stageflow.On(stageflow.KindStart), hello, "greeted").
//	    Step("finish", stageflow.On("greeted"), stageflow.FinishStep())
//
//	if err := flow.Register(engine); err != nil {
//	    log.Fatal(err)
//	}
//
//	rec, err := stageflow.Run(ctx, engine, flow.Name(), "Gopher")
//
// Builder methods panic on programmer errors (empty names, nil functions,
// invalid composites). Wiring errors across steps are reported by Register.
type FlowBuilder struct {
	def api.WorkflowDefinition
}

// New creates a new workflow builder with the given name.
func New(name string) *FlowBuilder {
	return &FlowBuilder{
		def: api.WorkflowDefinition{
			Name:  name,
			Steps: make([]api.StepDefinition, 0),
		},
	}
}

// On lists the event kinds a step accepts.
func On(kinds ...Kind) []Kind {
	return kinds
}

// Name returns the workflow name.
func (b *FlowBuilder) Name() string {
	return b.def.Name
}

// Definition returns the underlying WorkflowDefinition.
// Typically used when interacting with lower-level APIs.
func (b *FlowBuilder) Definition() WorkflowDefinition {
	return b.def
}

// Add appends a fully specified step.
func (b *FlowBuilder) Add(step StepDefinition) *FlowBuilder {
	if step.Name == "" {
		panic("stageflow: step name must not be empty")
	}
	if step.Fn == nil {
		panic(fmt.Sprintf("stageflow: step %q has nil function", step.Name))
	}
	b.def.Steps = append(b.def.Steps, step)
	return b
}

// Step appends a step accepting the given kinds. emits declares the kinds
// the step may advance with.
func (b *FlowBuilder) Step(name string, accepts []Kind, fn StepFunc, emits ...Kind) *FlowBuilder {
	return b.Add(api.StepDefinition{
		Name:    name,
		Accepts: accepts,
		Emits:   emits,
		Fn:      fn,
	})
}

// StepUsing is Step for a step that delegates to the named tasks.
func (b *FlowBuilder) StepUsing(name string, accepts []Kind, tasks []string, fn StepFunc, emits ...Kind) *FlowBuilder {
	return b.Add(api.StepDefinition{
		Name:     name,
		Accepts:  accepts,
		Emits:    emits,
		Requires: tasks,
		Fn:       fn,
	})
}

// StepWithRetry appends a step retried under retry. Tasks the policy is
// scoped to are declared as the step's task dependencies, so Start rejects
// a run that does not supply them.
func (b *FlowBuilder) StepWithRetry(name string, accepts []Kind, fn StepFunc, retry RetryPolicy, emits ...Kind) *FlowBuilder {
	r := retry
	r.Tasks = append([]string(nil), retry.Tasks...)

	return b.Add(api.StepDefinition{
		Name:     name,
		Accepts:  accepts,
		Emits:    emits,
		Requires: append([]string(nil), r.Tasks...),
		Retry:    &r,
		Fn:       fn,
	})
}

// Join appends a step that runs once, with the combined event, after
// required distinct kinds among accepts arrived.
func (b *FlowBuilder) Join(name string, accepts []Kind, required int, fn StepFunc, emits ...Kind) *FlowBuilder {
	return b.Add(api.StepDefinition{
		Name:    name,
		Accepts: accepts,
		Emits:   emits,
		Join:    &api.JoinSpec{Required: required},
		Fn:      fn,
	})
}

// Decision appends a classifier-routed step.
func (b *FlowBuilder) Decision(spec DecisionSpec) *FlowBuilder {
	step, err := api.DecisionStep(spec)
	if err != nil {
		panic(fmt.Sprintf("stageflow: %v", err))
	}
	return b.Add(step)
}

// Revise appends the produce/critique step pair of loop.
func (b *FlowBuilder) Revise(loop ReviseLoop) *FlowBuilder {
	steps, err := loop.Steps()
	if err != nil {
		panic(fmt.Sprintf("stageflow: %v", err))
	}
	for _, s := range steps {
		b.Add(s)
	}
	return b
}

// Timeout sets the run budget of this workflow.
func (b *FlowBuilder) Timeout(d time.Duration) *FlowBuilder {
	b.def.Timeout = d
	return b
}

// Register registers the built workflow with the given engine.
func (b *FlowBuilder) Register(eng Engine) error {
	return eng.RegisterWorkflow(b.def)
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (b *FlowBuilder) MustRegister(eng Engine) {
	if err := b.Register(eng); err != nil {
		panic(err)
	}
}
