package types

import "fmt"

// EventKind is the lifecycle transition reconstructed from a commit.
type EventKind string

const (
	EventNewVersion EventKind = "new-version"
	EventYanked     EventKind = "yanked"
	EventUnyanked   EventKind = "unyanked"
)

// Verb is the past-tense wording used in notifications.
func (k EventKind) Verb() string {
	switch k {
	case EventNewVersion:
		return "updated"
	case EventYanked:
		return "yanked"
	case EventUnyanked:
		return "unyanked"
	default:
		return string(k)
	}
}

// LifecycleEvent is derived from exactly one commit pair and consumed once by the dispatcher.
type LifecycleEvent struct {
	Record IndexRecord `json:"record"`
	Kind   EventKind   `json:"kind"`
	// Commit is the hash of the commit the event was derived from
	Commit string `json:"commit"`
}

func (e LifecycleEvent) String() string {
	return fmt.Sprintf("%s(%s)", e.Kind, e.Record)
}

// ChatID identifies a message destination.
type ChatID int64

// SendOptions controls how a message is presented to the recipient.
type SendOptions struct {
	DisableNotification   bool
	DisableWebPagePreview bool
}
