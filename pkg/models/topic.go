package models

// Topic is a named instruction block injected ahead of the conversation when
// active. Priority orders injection: critical first, then normal, then low.
type Topic struct {
	Name         string   `json:"name"`
	Priority     Priority `json:"priority"`
	Instructions string   `json:"instructions"`
}
