package models

import "encoding/json"

// SignalType identifies an out-of-band mailbox entry.
type SignalType string

// Signal variants. KILL and PAUSE are control signals consumed at every
// suspension point; USER_MESSAGE is consumed inside agent loops; a
// WEBHOOK_RESPONSE is consumed when an executor resumes.
const (
	SignalKill            SignalType = "KILL"
	SignalPause           SignalType = "PAUSE"
	SignalUserMessage     SignalType = "USER_MESSAGE"
	SignalWebhookResponse SignalType = "WEBHOOK_RESPONSE"
)

// Signal is one mailbox entry.
type Signal struct {
	Type    SignalType
	Content string           // USER_MESSAGE
	Webhook *WebhookDelivery // WEBHOOK_RESPONSE
}

// WebhookRegistration identifies an external suspension point. Uniqueness is
// (slug, identifier) per active run; Token is a per-registration secret that
// inbound submissions must echo.
type WebhookRegistration struct {
	Slug       string `json:"slug"`
	Identifier string `json:"identifier"`
	Token      string `json:"token"`
}

// Matches reports whether an inbound submission resolves this registration.
func (r WebhookRegistration) Matches(slug, identifier, token string) bool {
	return r.Slug == slug && r.Identifier == identifier && r.Token == token
}

// WebhookDelivery is an inbound webhook submission routed to a run.
type WebhookDelivery struct {
	Slug       string          `json:"slug"`
	Identifier string          `json:"identifier"`
	Token      string          `json:"token"`
	Response   json.RawMessage `json:"response,omitempty"`
}
