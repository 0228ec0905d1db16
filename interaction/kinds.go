package interaction

import "time"

// Default timeouts per interaction kind; elicitation waits on a human, so it
// gets much longer than the machine-speed approval checks.
const (
	ElicitationTimeout   = 5 * time.Minute
	SamplingApprovalTTL  = 30 * time.Second
	FirewallApprovalTTL  = 30 * time.Second
	InstallApprovalTTL   = 2 * time.Minute
)

// ElicitationRequest is the payload a tool server sends when it needs
// additional structured input from the end user mid-call.
type ElicitationRequest struct {
	Message string         `json:"message"`
	Schema  map[string]any `json:"schema"`
}

// ElicitationResponse is what the client returns: either the user's answer,
// a decline, or an outright cancel.
type ElicitationResponse struct {
	Action string         `json:"action"` // accept | decline | cancel
	Data   map[string]any `json:"data,omitempty"`
}

// SamplingApprovalRequest asks the client's user to approve an upstream
// server's request to sample the LLM on its behalf.
type SamplingApprovalRequest struct {
	ServerID    string `json:"server_id"`
	Prompt      string `json:"prompt"`
	ModelHint   string `json:"model_hint,omitempty"`
	MaxTokens   int    `json:"max_tokens,omitempty"`
}

// SamplingApprovalResponse carries the user's yes/no (and an optionally
// edited prompt, matching a common human-in-the-loop sampling UX).
type SamplingApprovalResponse struct {
	Approved    bool   `json:"approved"`
	EditedPrompt string `json:"edited_prompt,omitempty"`
}

// FirewallApprovalRequest is raised when a firewall rule marks a tool call
// as "ask" rather than a hard allow/deny.
type FirewallApprovalRequest struct {
	ServerID string         `json:"server_id"`
	ToolName string         `json:"tool_name"`
	Args     map[string]any `json:"args"`
	Rule     string         `json:"rule"`
}

// FirewallApprovalResponse is the user's allow/deny decision, optionally
// remembered for the rest of the session.
type FirewallApprovalResponse struct {
	Allow       bool `json:"allow"`
	RememberFor bool `json:"remember_for_session"`
}

// InstallApprovalRequest asks the client's user to confirm installing a
// marketplace-listed upstream server before the gateway dials it for the
// first time.
type InstallApprovalRequest struct {
	CatalogID string `json:"catalog_id"`
	Name      string `json:"name"`
	Publisher string `json:"publisher"`
}

// InstallApprovalResponse is the user's accept/reject decision.
type InstallApprovalResponse struct {
	Approved bool `json:"approved"`
}

// Elicitations, SamplingApprovals, FirewallApprovals, and InstallApprovals
// are the four concrete manager instantiations the gateway wires up; kept as
// type aliases so call sites read naturally instead of repeating the
// generic instantiation everywhere.
type (
	Elicitations      = Manager[ElicitationResponse]
	SamplingApprovals = Manager[SamplingApprovalResponse]
	FirewallApprovals = Manager[FirewallApprovalResponse]
	InstallApprovals  = Manager[InstallApprovalResponse]
)
