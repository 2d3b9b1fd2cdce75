package chat

import "slices"

// SystemPayload is the machine-readable structure attached to
// scheduler-produced messages.
type SystemPayload struct {
	Type    string          `json:"type"`
	Title   string          `json:"title,omitempty"`
	Summary string          `json:"summary,omitempty"`
	Items   []PayloadItem   `json:"items,omitempty"`
	Actions []PayloadAction `json:"actions,omitempty"`
}

// PayloadItem is one labelled value in a system payload.
type PayloadItem struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// PayloadAction is an affordance offered by a system payload.
type PayloadAction struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	URL   string `json:"url,omitempty"`
}

// Clone returns a deep copy of the payload.
func (p *SystemPayload) Clone() *SystemPayload {
	if p == nil {
		return nil
	}
	out := *p
	out.Items = slices.Clone(p.Items)
	out.Actions = slices.Clone(p.Actions)
	return &out
}
