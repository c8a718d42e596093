package engine

import (
	"sort"
	"sync"

	"github.com/petrijr/stageflow/pkg/api"
)

// compiledStep is a registered step with its effective join.
type compiledStep struct {
	def  api.StepDefinition
	join *api.JoinSpec
}

// compiledWorkflow is a validated definition plus its dispatch table.
type compiledWorkflow struct {
	def      api.WorkflowDefinition
	steps    []*compiledStep
	dispatch map[api.Kind][]*compiledStep
	requires []string
}

func (w *compiledWorkflow) consumers(k api.Kind) []*compiledStep {
	return w.dispatch[k]
}

type workflowRegistry struct {
	mu     sync.RWMutex
	byName map[string]*compiledWorkflow
}

func newWorkflowRegistry() *workflowRegistry {
	return &workflowRegistry{
		byName: make(map[string]*compiledWorkflow),
	}
}

// Register validates def, applies join overrides and builds the dispatch
// table. Consumers of a kind are invoked in registration order.
func (r *workflowRegistry) Register(def api.WorkflowDefinition, joins map[string]int) error {
	if err := api.ValidateDefinition(def); err != nil {
		return err
	}

	wf := &compiledWorkflow{
		def:      def,
		dispatch: make(map[api.Kind][]*compiledStep),
	}
	required := make(map[string]struct{})

	for _, s := range def.Steps {
		cs := &compiledStep{def: s}
		if s.Join != nil {
			spec := *s.Join
			if n, ok := joinOverride(joins, def.Name, s.Name); ok {
				if err := api.ValidateJoinQuota(def, s, n); err != nil {
					return err
				}
				spec.Required = n
			}
			cs.join = &spec
		}
		wf.steps = append(wf.steps, cs)

		seen := make(map[api.Kind]struct{}, len(s.Accepts))
		for _, k := range s.Accepts {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			wf.dispatch[k] = append(wf.dispatch[k], cs)
		}
		for _, name := range s.Requires {
			required[name] = struct{}{}
		}
	}

	for name := range required {
		wf.requires = append(wf.requires, name)
	}
	sort.Strings(wf.requires)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[def.Name]; exists {
		return api.NewConfigurationError(def.Name, "", "workflow already registered")
	}
	r.byName[def.Name] = wf
	return nil
}

// joinOverride looks up the configured quota for a join step. A
// "workflow/step" key wins over a bare step name, which applies to every
// workflow with a join of that name.
func joinOverride(joins map[string]int, workflow, step string) (int, bool) {
	if n, ok := joins[workflow+"/"+step]; ok {
		return n, true
	}
	n, ok := joins[step]
	return n, ok
}

func (r *workflowRegistry) Get(name string) (*compiledWorkflow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wf, ok := r.byName[name]
	return wf, ok
}

func (r *workflowRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
