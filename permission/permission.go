// Package permission answers the agent's session/request_permission
// calls, either automatically or by asking a person.
package permission

import (
	"context"

	"github.com/m4xw311/agentdeck/acp"
)

// Asker decides one permission request. Implementations block until they
// have an answer or ctx is done; a cancelled request yields the cancelled
// outcome.
type Asker interface {
	Ask(ctx context.Context, req acp.RequestPermissionRequest) (acp.RequestPermissionOutcome, error)
}

// AutoApprove allows everything, picking the first allow option offered.
type AutoApprove struct{}

func (AutoApprove) Ask(ctx context.Context, req acp.RequestPermissionRequest) (acp.RequestPermissionOutcome, error) {
	if ctx.Err() != nil || len(req.Options) == 0 {
		return acp.Cancelled(), nil
	}
	if id, ok := firstOf(req.Options, acp.PermissionAllowOnce, acp.PermissionAllowAlways); ok {
		return acp.Selected(id), nil
	}
	return acp.Selected(req.Options[0].OptionID), nil
}

func firstOf(options []acp.PermissionOption, kinds ...acp.PermissionOptionKind) (string, bool) {
	for _, o := range options {
		for _, k := range kinds {
			if o.Kind == k {
				return o.OptionID, true
			}
		}
	}
	return "", false
}

func hasOption(options []acp.PermissionOption, id string) bool {
	for _, o := range options {
		if o.OptionID == id {
			return true
		}
	}
	return false
}
