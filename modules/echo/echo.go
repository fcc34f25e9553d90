// Package echo is the smallest useful module: it greets whoever the
// job's inputs name. It doubles as the reference for writing modules.
package echo

import (
	"context"

	"jobmill/internal/module"
	"jobmill/internal/registry"
)

func Manifest() *registry.Manifest {
	return &registry.Manifest{
		ID:          "echo",
		Name:        "Echo",
		Version:     "1.0.0",
		Description: "Emits a single greeting result.",
		Entrypoint:  "echo",
		Inputs: map[string]registry.InputDef{
			"name": {Type: "text", Required: true, Description: "who to greet"},
		},
	}
}

func Factory() module.Factory {
	return func() module.Runner { return runner{} }
}

type runner struct{}

func (runner) Run(ctx context.Context, rc *module.RunContext) error {
	name, _ := rc.Input("name").(string)
	rc.Log("info", "echoing for "+name)
	return rc.Emit(ctx, module.Values{"echo": "hello " + name})
}
