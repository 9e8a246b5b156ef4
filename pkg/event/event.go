// Package event carries generate-song trigger events between the ingress
// points and the workflow engine.
package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/igolaizola/synthara/pkg/songflow"
)

// GenerateSong is the name of the event that triggers a song generation.
const GenerateSong = "generate-song-event"

var ErrInvalid = errors.New("event: invalid event")

type Event struct {
	Name string         `json:"name"`
	Data songflow.Input `json:"data"`
}

// New returns a generate-song event for the song.
func New(songID, userID string) *Event {
	return &Event{
		Name: GenerateSong,
		Data: songflow.Input{SongID: songID, UserID: userID},
	}
}

func (e *Event) Validate() error {
	if e.Name != GenerateSong {
		return fmt.Errorf("%w: unknown name %q", ErrInvalid, e.Name)
	}
	if e.Data.SongID == "" {
		return fmt.Errorf("%w: missing songId", ErrInvalid)
	}
	if e.Data.UserID == "" {
		return fmt.Errorf("%w: missing userId", ErrInvalid)
	}
	return nil
}

// Decode parses and validates a JSON encoded event.
func Decode(b []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// Handler processes a valid event.
type Handler func(ctx context.Context, e *Event) error

// Sender delivers events to a handler, in process or through a broker.
type Sender interface {
	Send(ctx context.Context, e *Event) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, e *Event) error

func (f SenderFunc) Send(ctx context.Context, e *Event) error {
	return f(ctx, e)
}
