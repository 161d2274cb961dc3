package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/petrijr/flowgate/pkg/api"
)

// DefaultSelector picks the single workflow configured for the runtime's
// app code, tenant and company. A workflow scoped to the runtime's tenant
// wins over unscoped ones. No candidate yields (nil, nil); more than one
// candidate at the same scope is api.ErrAmbiguousWorkflow.
func DefaultSelector(_ context.Context, src api.WorkflowSource, rt *api.Runtime) (*api.Workflow, error) {
	var scoped, shared []*api.Workflow
	for _, wf := range src.ForApp(rt.AppCode, rt.TenantID) {
		if wf.CompanyID != "" && wf.CompanyID != rt.CompanyID {
			continue
		}
		if wf.TenantID != "" {
			scoped = append(scoped, wf)
		} else {
			shared = append(shared, wf)
		}
	}

	candidates := shared
	if len(scoped) > 0 {
		candidates = scoped
	}

	switch len(candidates) {
	case 0:
		return nil, nil
	case 1:
		return candidates[0], nil
	}

	ids := make([]string, len(candidates))
	for i, wf := range candidates {
		ids[i] = wf.ID
	}
	return nil, fmt.Errorf("%w: %s has [%s]", api.ErrAmbiguousWorkflow, rt.AppCode, strings.Join(ids, ", "))
}
