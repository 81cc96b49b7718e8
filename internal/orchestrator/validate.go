package orchestrator

import (
	"fmt"
	"strings"

	"github.com/nidhogg/crewnexus/internal/agent"
)

// Validate checks the submission's shape. A crew whose every agent fails
// the descriptor checks is rejected here; model availability is checked
// later, when the crew is materialised.
func (s *Submission) Validate() error {
	var problems []string

	if strings.TrimSpace(s.WorkflowID) == "" {
		problems = append(problems, "workflow id is required")
	}

	switch s.Crew.Process {
	case "", ProcessSequential, ProcessHierarchical, ProcessParallel:
	default:
		problems = append(problems, fmt.Sprintf("unknown process type %q", s.Crew.Process))
	}
	if s.Crew.Config.MaxRPM < 0 {
		problems = append(problems, "crew max_rpm must not be negative")
	}
	if s.Options.TimeoutSeconds < 0 {
		problems = append(problems, "execution timeout must not be negative")
	}

	var agentProblems []string
	for i, d := range s.Crew.Agents {
		if err := agent.Validate(d, nil); err != nil {
			agentProblems = append(agentProblems, fmt.Sprintf("agent %d: %v", i, err))
		}
	}
	if len(s.Crew.Agents) > 0 && len(agentProblems) == len(s.Crew.Agents) {
		problems = append(problems, agentProblems...)
	}

	seen := make(map[string]bool, len(s.Tasks))
	for i, t := range s.Tasks {
		name := strings.TrimSpace(t.Name)
		switch {
		case name == "":
			problems = append(problems, fmt.Sprintf("task %d: name is required", i))
		case seen[t.Name]:
			problems = append(problems, fmt.Sprintf("task %d: duplicate name %q", i, t.Name))
		}
		for _, ref := range t.Context {
			if !seen[ref] {
				problems = append(problems, fmt.Sprintf("task %q: context %q does not name an earlier task", t.Name, ref))
			}
		}
		if t.Config.TimeoutSeconds < 0 {
			problems = append(problems, fmt.Sprintf("task %q: timeout must not be negative", t.Name))
		}
		if t.Config.MaxTokens < 0 {
			problems = append(problems, fmt.Sprintf("task %q: max_tokens must not be negative", t.Name))
		}
		if t.Config.Temperature < 0 || t.Config.Temperature > 2 {
			problems = append(problems, fmt.Sprintf("task %q: temperature must be within [0, 2]", t.Name))
		}
		if name != "" {
			seen[t.Name] = true
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidSubmission, strings.Join(problems, "; "))
	}
	return nil
}
