// Package reducer implements the pure merge function that folds one typed
// streaming event into a message. It never touches the tree: routing,
// orphan handling and session-scoped events live in the scheduler.
package reducer

import (
	"github.com/pkg/errors"

	"github.com/go-go-golems/parley/pkg/conversation"
	"github.com/go-go-golems/parley/pkg/events"
)

var (
	ErrMessageDone    = errors.New("message is done and rejects further updates")
	ErrUnhandledEvent = errors.New("event type is not handled by the reducer")
	ErrSessionScoped  = errors.New("event is session-scoped, not message-scoped")
)

// Apply merges one event into msg. Content only ever grows, except for an
// explicit replace. A done message rejects every update.
func Apply(msg *conversation.Message, data events.EventData) error {
	if msg.Done {
		return ErrMessageDone
	}

	switch events.NormalizeEventType(data.Type) {
	case events.EventTypeStatus:
		payload, err := events.ToTypedPayload[events.StatusPayload](data)
		if err != nil {
			return err
		}
		msg.StatusHistory = append(msg.StatusHistory, payload.StatusUpdate())

	case events.EventTypeDelta:
		payload, err := events.ToTypedPayload[events.DeltaPayload](data)
		if err != nil {
			return err
		}
		appendDelta(msg, payload.Content)

	case events.EventTypeReplace:
		payload, err := events.ToTypedPayload[events.ReplacePayload](data)
		if err != nil {
			return err
		}
		msg.Content = payload.Content

	case events.EventTypeFiles:
		payload, err := events.ToTypedPayload[events.FilesPayload](data)
		if err != nil {
			return err
		}
		msg.Attachments = payload.Files

	case events.EventTypeEmbeds:
		payload, err := events.ToTypedPayload[events.EmbedsPayload](data)
		if err != nil {
			return err
		}
		msg.Embeds = payload.Embeds

	case events.EventTypeFollowUps:
		payload, err := events.ToTypedPayload[events.FollowUpsPayload](data)
		if err != nil {
			return err
		}
		msg.FollowUps = payload.FollowUps

	case events.EventTypeError:
		payload, err := events.ToTypedPayload[events.ErrorPayload](data)
		if err != nil {
			return err
		}
		errRecord := payload.Error
		msg.Error = &errRecord
		msg.Done = true

	case events.EventTypeSource:
		payload, err := events.ToTypedPayload[events.SourcePayload](data)
		if err != nil {
			return err
		}
		applySource(msg, *payload)

	case events.EventTypeCompletion:
		payload, err := events.ToTypedPayload[events.CompletionPayload](data)
		if err != nil {
			return err
		}
		applyCompletion(msg, *payload)

	case events.EventTypeTasksCancel:
		return ErrSessionScoped

	default:
		return errors.Wrapf(ErrUnhandledEvent, "type %s", data.Type)
	}

	return nil
}

// appendDelta grows the content buffer. A single leading "\n" chunk on an
// empty message is dropped to absorb a known upstream artifact.
func appendDelta(msg *conversation.Message, delta string) {
	if msg.Content == "" && delta == "\n" {
		return
	}
	msg.Content += delta
}

func applySource(msg *conversation.Message, payload events.SourcePayload) {
	if payload.Kind == events.SourcePayloadTypeCodeExecution {
		msg.UpsertCodeExecution(conversation.CodeExecution{
			ID:       payload.ID,
			Name:     payload.Name,
			Language: payload.Language,
			Code:     payload.Code,
			Result:   payload.Result,
		})
		return
	}

	msg.UpsertSource(conversation.Source{
		ID:        payload.SourceID(),
		Source:    payload.Source,
		Documents: payload.Documents,
		Metadata:  payload.Metadata,
		Distances: payload.Distances,
	})
}

// applyCompletion unpacks a bundled completion envelope, applying each
// present sub-field with the same semantics as its standalone event. Done
// and error are applied last so earlier fields of the same envelope still
// land.
func applyCompletion(msg *conversation.Message, payload events.CompletionPayload) {
	for _, choice := range payload.Choices {
		if choice.Delta.Content != "" {
			appendDelta(msg, choice.Delta.Content)
		}
	}

	if payload.Content != nil {
		msg.Content = *payload.Content
	}

	for _, src := range payload.Sources {
		applySource(msg, src)
	}

	if payload.FollowUps != nil {
		msg.FollowUps = payload.FollowUps
	}

	if payload.Usage != nil {
		msg.Usage = msg.Usage.Merge(payload.Usage)
	}

	if payload.Error != nil {
		errRecord := *payload.Error
		msg.Error = &errRecord
		msg.Done = true
	}

	if payload.Done {
		msg.Done = true
	}
}
