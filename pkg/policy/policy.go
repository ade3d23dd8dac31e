// Package policy evaluates pipeline admission filters expressed as Rego
// queries over a candidate change. A pipeline's ref-filters (branch
// patterns, required-approval checks) become a small Rego
// module; the manager consults the compiled query on every addChange
// unless the event carries ignore_requirements.
package policy

import (
	"context"

	faster "github.com/go-faster/errors"
	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/ridgeback/gatekeeper/pkg/change"
)

// DefaultQuery is the decision entrypoint a filter module must define.
const DefaultQuery = "data.gatekeeper.admission.allow"

// Evaluator holds one compiled admission query for a pipeline.
type Evaluator struct {
	query rego.PreparedEvalQuery
}

// NewEvaluator compiles module (a Rego document defining
// data.gatekeeper.admission.allow) into an admission evaluator.
func NewEvaluator(ctx context.Context, module string) (*Evaluator, error) {
	q, err := rego.New(
		rego.Query(DefaultQuery),
		rego.Module("admission.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, faster.Wrap(err, "compile admission policy")
	}
	return &Evaluator{query: q}, nil
}

// input is the document the policy sees for one candidate change.
type input struct {
	Connection string `json:"connection"`
	Project    string `json:"project"`
	Branch     string `json:"branch"`
	Ref        string `json:"ref"`
	Message    string `json:"message"`
	Patchset   int    `json:"patchset"`
	IsMerged   bool   `json:"is_merged"`
}

// Admit evaluates the compiled query against ch. An undefined result is a
// deny, matching ref-filter semantics (a filter mismatch rejects with a
// logged reason, not an error).
func (e *Evaluator) Admit(ctx context.Context, ch change.Change) (bool, error) {
	rs, err := e.query.Eval(ctx, rego.EvalInput(input{
		Connection: ch.Key.Connection,
		Project:    ch.Key.Project,
		Branch:     ch.Key.Branch,
		Ref:        ch.Ref,
		Message:    ch.Message,
		Patchset:   ch.Patchset,
		IsMerged:   ch.IsMerged,
	}))
	if err != nil {
		return false, faster.Wrap(err, "evaluate admission policy")
	}
	return rs.Allowed(), nil
}

// RefFilter adapts the evaluator into the manager's RefFilter shape,
// swallowing evaluation errors as denies with the error left to the
// caller's logger.
func (e *Evaluator) RefFilter(ctx context.Context, onError func(error)) func(ch change.Change) bool {
	return func(ch change.Change) bool {
		ok, err := e.Admit(ctx, ch)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return false
		}
		return ok
	}
}
