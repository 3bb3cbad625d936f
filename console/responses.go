package console

import "time"

const defaultProviderName = "AI Assistant"

// Response is one assistant answer spoken on the meeting channel.
type Response struct {
	Text         string    `json:"text"`
	ProviderName string    `json:"providerName"`
	Timestamp    time.Time `json:"timestamp"`
}

// Responses keeps the latest assistant answers.
type Responses struct {
	ring *Ring[Response]
}

func NewResponses(limit int) *Responses {
	return &Responses{ring: NewRing[Response](limit)}
}

func (r *Responses) Record(text, providerName string) Response {
	if providerName == "" {
		providerName = defaultProviderName
	}
	resp := Response{Text: text, ProviderName: providerName, Timestamp: time.Now()}
	r.ring.Add(resp)
	return resp
}

func (r *Responses) Items() []Response {
	return r.ring.Items()
}

func (r *Responses) Len() int {
	return r.ring.Len()
}
