package consultest

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-bexpr"
)

// filter evaluates the agent's filter language against registered
// services and checks. A nil filter matches everything.
type filter struct {
	eval *bexpr.Evaluator
}

func parseFilter(expr string) (*filter, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, nil
	}
	eval, err := bexpr.CreateEvaluator(expr)
	if err != nil {
		return nil, fmt.Errorf("Failed to create boolean expression evaluator: %w", err)
	}
	return &filter{eval: eval}, nil
}

// match reports whether v, an *AgentService or *AgentCheck, passes the
// filter. Unknown selectors are errors, as on a real agent.
func (f *filter) match(v any) (bool, error) {
	if f == nil {
		return true, nil
	}
	return f.eval.Evaluate(v)
}
