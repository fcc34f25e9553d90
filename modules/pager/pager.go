// Package pager walks a fixed number of pages, checkpointing after
// each one so an interrupted run resumes where it left off. It is the
// reference for checkpoint-aware modules.
package pager

import (
	"context"
	"fmt"
	"time"

	"jobmill/internal/module"
	"jobmill/internal/registry"
)

func Manifest() *registry.Manifest {
	return &registry.Manifest{
		ID:          "pager",
		Name:        "Pager",
		Version:     "1.0.0",
		Description: "Emits one result per page with resumable checkpoints.",
		Entrypoint:  "pager",
		Inputs: map[string]registry.InputDef{
			"pages": {Type: "integer", Default: float64(5), Description: "how many pages to walk"},
		},
		Settings: map[string]registry.SettingDef{
			"page_delay_ms": {Type: "integer", Default: float64(0), Description: "artificial delay per page"},
		},
	}
}

func Factory() module.Factory {
	return func() module.Runner { return runner{} }
}

type runner struct{}

func (runner) Run(ctx context.Context, rc *module.RunContext) error {
	pages := asInt64(rc.Input("pages"), 5)
	delay := time.Duration(asInt64(rc.Settings()["page_delay_ms"], 0)) * time.Millisecond

	start := asInt64(rc.CheckpointValue("last_page"), 0)
	if start > 0 {
		rc.Log("info", fmt.Sprintf("resuming from page %d", start))
	}

	for page := start + 1; page <= pages; page++ {
		if rc.Cancelled() {
			rc.Log("info", fmt.Sprintf("stopping at page %d", page-1))
			return nil
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return module.ErrCancelled
			}
		}

		if err := rc.Emit(ctx, module.Values{"page": page, "of": pages}); err != nil {
			return err
		}
		if err := rc.SaveCheckpoint(ctx, module.Values{"last_page": page}); err != nil {
			return err
		}
		rc.Log("debug", fmt.Sprintf("page %d/%d done", page, pages))
	}
	return nil
}

// asInt64 absorbs the numeric shapes a value can arrive in: int64 from
// input coercion, float64 from a JSON checkpoint round trip.
func asInt64(v any, def int64) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case int:
		return int64(n)
	}
	return def
}
