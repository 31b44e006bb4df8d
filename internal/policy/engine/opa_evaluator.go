package engine

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

const allowQuery = "data.linkless.recording.allow"

// Default Rego policy: record only in the foreground and never a blocked peer.
const defaultRegoPolicy = `package linkless.recording

default allow := false

allow if {
	input.foreground
	not input.blocked
	input.peer_id != ""
}
`

// OPAEvaluator evaluates the recording policy using OPA Rego. Operator
// modules must define data.linkless.recording.allow.
type OPAEvaluator struct {
	query rego.PreparedEvalQuery
}

// NewOPAEvaluator compiles policies, or the default policy when none are given.
func NewOPAEvaluator(ctx context.Context, policies ...string) (*OPAEvaluator, error) {
	if len(policies) == 0 {
		policies = []string{defaultRegoPolicy}
	}
	modules := make(map[string]string, len(policies))
	for i, p := range policies {
		modules[fmt.Sprintf("policy_%d.rego", i)] = p
	}
	compiler, err := ast.CompileModules(modules)
	if err != nil {
		return nil, fmt.Errorf("compile recording policy: %w", err)
	}
	query, err := rego.New(
		rego.Query(allowQuery),
		rego.Compiler(compiler),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare recording policy: %w", err)
	}
	return &OPAEvaluator{query: query}, nil
}

// LoadPolicyFile reads a Rego module from path.
func LoadPolicyFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read recording policy: %w", err)
	}
	return string(b), nil
}

// AllowRecording evaluates the policy. Undefined results deny.
func (e *OPAEvaluator) AllowRecording(ctx context.Context, in Input) (bool, error) {
	rs, err := e.query.Eval(ctx, rego.EvalInput(buildInput(in)))
	if err != nil {
		return false, fmt.Errorf("eval recording policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, nil
	}
	allow, ok := rs[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("recording policy returned %T, want bool", rs[0].Expressions[0].Value)
	}
	return allow, nil
}

// HealthCheck verifies that the in-process OPA Rego engine can compile and
// evaluate the default policy.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	compiler, err := ast.CompileModules(map[string]string{"policy_0.rego": defaultRegoPolicy})
	if err != nil {
		return fmt.Errorf("compile default policy: %w", err)
	}
	rs, err := rego.New(
		rego.Query(allowQuery),
		rego.Compiler(compiler),
		rego.Input(buildInput(Input{PeerID: "health", Foreground: true})),
	).Eval(ctx)
	if err != nil {
		return fmt.Errorf("eval default policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return fmt.Errorf("policy query returned no result")
	}
	return nil
}

func buildInput(in Input) map[string]interface{} {
	return map[string]interface{}{
		"peer_id":    in.PeerID,
		"device_id":  in.DeviceID,
		"foreground": in.Foreground,
		"blocked":    in.Blocked,
	}
}
