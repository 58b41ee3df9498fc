package history

import (
	"context"

	"github.com/google/uuid"
	"golang.org/x/exp/slog"
)

// ResetEvent describes mementos discarded by Flush or Reset
type ResetEvent struct {
	// ID distinguishes events raised for the same history
	ID uuid.UUID
	// History is the name of the history that raised the event
	History string
	// Key is the flushed property. Unset when All is true.
	Key Key
	// All is true for Reset, which discards every property
	All bool
	// Reason is the caller supplied cause, such as a channel reset or disconnect
	Reason string
	// Discarded is the number of mementos released
	Discarded int
}

// ResetListener reacts to a ResetEvent. Listeners run synchronously inside Flush or Reset and must
// not call back into the history.
type ResetListener func(event ResetEvent)

// OnReset registers listener for every subsequent Flush and Reset
func (h *History) OnReset(listener ResetListener) {
	h.listeners = append(h.listeners, listener)
}

func (h *History) raiseReset(event ResetEvent) {
	event.ID = uuid.New()
	event.History = h.name

	h.logger.LogAttrs(context.Background(), slog.LevelDebug, "synchronization history reset",
		slog.String("history", h.name),
		slog.String("event", event.ID.String()),
		slog.Bool("all", event.All),
		slog.String("key", event.Key.String()),
		slog.String("reason", event.Reason),
		slog.Int("discarded", event.Discarded),
	)

	for _, listener := range h.listeners {
		listener(event)
	}
}
