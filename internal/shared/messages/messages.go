package messages

import (
	"encoding/json"
	"fmt"
	"os"
)

type MessageText struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Messages holds the user-facing push texts. Body templates take the
// institution or consent label as their only %s argument.
type Messages struct {
	ConsentExpired MessageText `json:"consent_expired"`
	SyncFailed     MessageText `json:"sync_failed"`
}

func Defaults() *Messages {
	return &Messages{
		ConsentExpired: MessageText{
			Title: "Bank connection expired",
			Body:  "Your connection %s has expired. Reconnect to keep your accounts up to date.",
		},
		SyncFailed: MessageText{
			Title: "Could not load your accounts",
			Body:  "We could not finish loading data for connection %s. We will retry automatically.",
		},
	}
}

// Load reads the messages JSON file. Fields missing from the file keep
// their default text. An empty path returns the defaults.
func Load(path string) (*Messages, error) {
	m := Defaults()
	if path == "" {
		return m, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read messages file: %w", err)
	}
	var fromFile Messages
	if err := json.Unmarshal(data, &fromFile); err != nil {
		return nil, fmt.Errorf("failed to parse messages file: %w", err)
	}
	merge(&m.ConsentExpired, fromFile.ConsentExpired)
	merge(&m.SyncFailed, fromFile.SyncFailed)
	return m, nil
}

func merge(dst *MessageText, src MessageText) {
	if src.Title != "" {
		dst.Title = src.Title
	}
	if src.Body != "" {
		dst.Body = src.Body
	}
}

// Render fills the body template.
func (t MessageText) Render(label string) (title, body string) {
	return t.Title, fmt.Sprintf(t.Body, label)
}
