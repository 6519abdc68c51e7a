// Package idgen generates opaque prefixed entity identifiers.
package idgen

import (
	"github.com/google/uuid"
)

const (
	PrefixUser       = "user_"
	PrefixProject    = "proj_"
	PrefixRepo       = "repo_"
	PrefixTask       = "task_"
	PrefixRun        = "run_"
	PrefixGateEval   = "ge_"
	PrefixAgentInv   = "ai_"
	PrefixWorktree   = "wt_"
	PrefixEvent      = "evt_"
	PrefixGithubWrite = "gw_"
	PrefixOperatorAction = "oa_"
	PrefixOverride   = "ov_"
	PrefixWebhookDelivery = "whd_"
	PrefixSession    = "sess_"
	PrefixInstall    = "inst_"
	PrefixStreamSub  = "ssesub_"
)

// New returns a new opaque id with the given prefix, e.g. New(PrefixRun) -> "run_<uuid>".
func New(prefix string) string {
	return prefix + uuid.NewString()
}
