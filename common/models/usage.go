package models

import "encoding/json"

// ModelUsage is one token-accounting record contributed by a model-call
// handler. RefID ties it to the node-start action that produced it. Extra
// carries provider-specific counters verbatim.
type ModelUsage struct {
	RefID        string `json:"ref_id"`
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`

	Extra map[string]any `json:"-"`
}

var usageKnownKeys = []string{"ref_id", "model", "input_tokens", "output_tokens"}

// MarshalJSON flattens Extra alongside the fixed fields.
func (u ModelUsage) MarshalJSON() ([]byte, error) {
	type alias ModelUsage
	b, err := json.Marshal(alias(u))
	if err != nil {
		return nil, err
	}
	if len(u.Extra) == 0 {
		return b, nil
	}
	var merged map[string]any
	if err := json.Unmarshal(b, &merged); err != nil {
		return nil, err
	}
	for k, v := range u.Extra {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON restores the fixed fields and collects the rest into Extra.
func (u *ModelUsage) UnmarshalJSON(b []byte) error {
	type alias ModelUsage
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	for _, key := range usageKnownKeys {
		delete(raw, key)
	}
	if len(raw) > 0 {
		a.Extra = raw
	}
	*u = ModelUsage(a)
	return nil
}
