package api

// ValidateDefinition checks a workflow definition for wiring mistakes and
// returns a ConfigurationError describing the first one found.
func ValidateDefinition(def WorkflowDefinition) error {
	if def.Name == "" {
		return NewConfigurationError("", "", "workflow name is required")
	}
	if len(def.Steps) == 0 {
		return NewConfigurationError(def.Name, "", "workflow must have at least one step")
	}

	consumers := make(map[Kind]int)
	seen := make(map[string]struct{}, len(def.Steps))

	for _, s := range def.Steps {
		if s.Name == "" {
			return NewConfigurationError(def.Name, "", "step name is required")
		}
		if _, dup := seen[s.Name]; dup {
			return NewConfigurationError(def.Name, s.Name, "duplicate step name")
		}
		seen[s.Name] = struct{}{}

		if s.Fn == nil {
			return NewConfigurationError(def.Name, s.Name, "step function is nil")
		}
		if len(s.Accepts) == 0 {
			return NewConfigurationError(def.Name, s.Name, "step accepts no event kinds")
		}

		for _, k := range s.Accepts {
			if k == "" {
				return NewConfigurationError(def.Name, s.Name, "empty event kind")
			}
			if k.Reserved() {
				return NewConfigurationError(def.Name, s.Name, "step cannot accept reserved kind %q", k)
			}
			consumers[k]++
		}

		for _, name := range s.Requires {
			if name == "" {
				return NewConfigurationError(def.Name, s.Name, "empty task dependency name")
			}
		}

		if s.Join != nil {
			if s.Join.Required < 1 {
				return NewConfigurationError(def.Name, s.Name, "join requires at least one predecessor, got %d", s.Join.Required)
			}
			if err := checkJoinQuota(def, s, s.Join.Required); err != nil {
				return err
			}
		}
	}

	if consumers[KindStart] == 0 {
		return NewConfigurationError(def.Name, "", "no step accepts %q", KindStart)
	}

	for _, s := range def.Steps {
		for _, k := range s.Emits {
			if k.Reserved() {
				continue
			}
			if consumers[k] == 0 {
				return NewConfigurationError(def.Name, s.Name, "emitted kind %q has no consumer", k)
			}
		}
	}
	return nil
}

// ValidateJoinQuota checks a configured join override against the step it
// applies to within def.
func ValidateJoinQuota(def WorkflowDefinition, s StepDefinition, required int) error {
	if s.Join == nil {
		return NewConfigurationError(def.Name, s.Name, "join override for a step without a join")
	}
	if required < 1 {
		return NewConfigurationError(def.Name, s.Name, "join requires at least one predecessor, got %d", required)
	}
	return checkJoinQuota(def, s, required)
}

// checkJoinQuota rejects a distinct-kinds join whose quota exceeds the
// number of accepted kinds that something in def can produce: the start
// event or a kind declared in another step's Emits.
func checkJoinQuota(def WorkflowDefinition, s StepDefinition, required int) error {
	if s.Join.Policy != JoinDistinctKinds {
		return nil
	}
	produced := map[Kind]struct{}{KindStart: {}}
	for _, other := range def.Steps {
		if other.Name == s.Name {
			continue
		}
		for _, k := range other.Emits {
			produced[k] = struct{}{}
		}
	}
	wired := make(map[Kind]struct{}, len(s.Accepts))
	for _, k := range s.Accepts {
		if _, ok := produced[k]; ok {
			wired[k] = struct{}{}
		}
	}
	if required > len(wired) {
		return NewConfigurationError(def.Name, s.Name,
			"join requires %d distinct kinds but only %d accepted kinds have a producer", required, len(wired))
	}
	return nil
}
