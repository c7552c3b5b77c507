// Package match decides whether a polling worker may claim a queued task run.
//
// Routing is opt-in per run: an absent routing attribute always means "no
// restriction". Workers never opt in to anything; they only advertise what
// they are.
package match

// Worker describes a polling worker. Workers are ephemeral — they exist only
// for the duration of a poll loop and are never persisted.
type Worker struct {
	ID              string   `json:"worker_id"`
	AgentName       string   `json:"agent_name"`
	Capabilities    []string `json:"capabilities,omitempty"`
	ModelsSupported []string `json:"models_supported,omitempty"`
}

// Candidate is the routing-relevant slice of a queued task run.
type Candidate struct {
	TargetAgentName      string   // exact-match agent pin, "" = unrestricted
	RequiredCapabilities []string // worker must hold all of these, empty = unrestricted
	ModelRef             string   // normalized "provider:model" pin, "" = unrestricted
}

// Eligible reports whether worker may claim run. It is the AND of three
// independent rules: agent targeting, capability subset, and model support.
func Eligible(run Candidate, worker Worker) bool {
	return agentOK(run, worker) && capabilitiesOK(run, worker) && modelOK(run, worker)
}

// agentOK: target_agent_name is unset or equals the worker's agent name.
// Exact match only, no patterns.
func agentOK(run Candidate, worker Worker) bool {
	return run.TargetAgentName == "" || run.TargetAgentName == worker.AgentName
}

// capabilitiesOK: required_capabilities is empty or a subset of the worker's
// capability set. All listed capabilities are required, not any.
func capabilitiesOK(run Candidate, worker Worker) bool {
	if len(run.RequiredCapabilities) == 0 {
		return true
	}
	held := make(map[string]struct{}, len(worker.Capabilities))
	for _, c := range worker.Capabilities {
		held[c] = struct{}{}
	}
	for _, req := range run.RequiredCapabilities {
		if _, ok := held[req]; !ok {
			return false
		}
	}
	return true
}

// modelOK: model_ref is unset, or the worker advertises it. A worker with no
// supported models may only claim model-unpinned runs.
func modelOK(run Candidate, worker Worker) bool {
	if run.ModelRef == "" {
		return true
	}
	for _, m := range worker.ModelsSupported {
		if m == run.ModelRef {
			return true
		}
	}
	return false
}
