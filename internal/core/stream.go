package core

import (
	"iter"

	"soulkyn.app/character-chat/internal/store"
)

// StreamAccumulator applies cumulative text snapshots to one in-flight
// placeholder message, replacing its content wholesale each time.
type StreamAccumulator struct {
	state *StateStore
}

func NewStreamAccumulator(state *StateStore) *StreamAccumulator {
	return &StreamAccumulator{state: state}
}

// Drive consumes stream in arrival order and returns the last applied
// snapshot. It stops early when the stream fails or the placeholder (or its
// chat) disappears; in both cases the text so far is returned with the error.
func (a *StreamAccumulator) Drive(chatID, messageID string, stream iter.Seq2[string, error]) (string, error) {
	var last string
	for snapshot, err := range stream {
		if err != nil {
			return last, err
		}
		if _, err := a.state.UpdateMessage(chatID, messageID, func(m *store.Message) {
			m.Content = snapshot
		}); err != nil {
			return last, err
		}
		last = snapshot
	}
	return last, nil
}
