package chat

import (
	"context"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/parley/pkg/conversation"
	"github.com/go-go-golems/parley/pkg/events"
	"github.com/go-go-golems/parley/pkg/session"
)

type fakeClient struct {
	requests []*session.GenerationRequest
	stopped  []string
}

func (f *fakeClient) StartGeneration(_ context.Context, req *session.GenerationRequest) (*session.GenerationHandle, error) {
	f.requests = append(f.requests, req)
	return &session.GenerationHandle{TaskIDs: []string{"task-1"}}, nil
}

func (f *fakeClient) StopTask(_ context.Context, taskID string) error {
	f.stopped = append(f.stopped, taskID)
	return nil
}

type fakeGateway struct {
	chatID string
	saves  int
	saved  *conversation.Tree
}

func (f *fakeGateway) Create(_ context.Context, tree *conversation.Tree) (string, error) {
	f.chatID = "chat-1"
	f.saves++
	f.saved = tree
	return f.chatID, nil
}

func (f *fakeGateway) Save(_ context.Context, chatID string, tree *conversation.Tree) error {
	f.chatID = chatID
	f.saves++
	f.saved = tree
	return nil
}

func (f *fakeGateway) Load(context.Context, string) (*conversation.Tree, error) {
	return nil, nil
}

func deltaEnvelope(t *testing.T, chatID string, id conversation.NodeID, content string) events.Envelope {
	t.Helper()
	data, err := events.NewEventData(events.EventTypeDelta, events.DeltaPayload{Content: content})
	require.NoError(t, err)
	return events.Envelope{ChatID: chatID, MessageID: id.String(), Data: data}
}

func doneEnvelope(t *testing.T, chatID string, id conversation.NodeID) events.Envelope {
	t.Helper()
	data, err := events.NewEventData(events.EventTypeCompletion, events.CompletionPayload{Done: true})
	require.NoError(t, err)
	return events.Envelope{ChatID: chatID, MessageID: id.String(), Data: data}
}

func TestSendCreatesExchangeAndStartsGeneration(t *testing.T) {
	client := &fakeClient{}
	gateway := &fakeGateway{}
	s := NewService(client, gateway, WithModel("gpt-4o-mini", "GPT-4o mini", 0))
	defer s.Close()

	userID, assistantID, err := s.Send(context.Background(), "hello", nil)
	require.NoError(t, err)

	// first send assigned a chat id through the gateway
	require.Equal(t, "chat-1", s.ChatID())
	require.Equal(t, 1, gateway.saves)

	snapshot := s.Snapshot()
	require.Equal(t, userID, snapshot.RootID)
	require.Equal(t, assistantID, snapshot.CurrentID)

	require.Len(t, client.requests, 1)
	req := client.requests[0]
	require.Equal(t, "gpt-4o-mini", req.Model)
	require.Equal(t, assistantID, req.MessageID)
	require.Equal(t, "chat-1", req.ChatID)
	require.Equal(t, session.StateStreaming, s.Controller().State())
}

func TestStreamingFlushRendersAndTerminalSaves(t *testing.T) {
	client := &fakeClient{}
	gateway := &fakeGateway{}

	var rendered []*conversation.Tree
	s := NewService(client, gateway,
		WithModel("gpt-4o-mini", "GPT-4o mini", 0),
		WithRenderFunc(func(snapshot *conversation.Tree, _ bool) {
			rendered = append(rendered, snapshot)
		}),
	)
	defer s.Close()

	_, assistantID, err := s.Send(context.Background(), "hello", nil)
	require.NoError(t, err)
	savesAfterSend := gateway.saves

	s.HandleEnvelope(deltaEnvelope(t, s.ChatID(), assistantID, "Hi"))
	s.HandleEnvelope(deltaEnvelope(t, s.ChatID(), assistantID, " there"))
	s.Flush()

	require.Len(t, rendered, 1)
	msg, ok := rendered[0].GetMessage(assistantID)
	require.True(t, ok)
	require.Equal(t, "Hi there", msg.Content)
	require.Equal(t, gateway.saves, savesAfterSend)

	s.HandleEnvelope(doneEnvelope(t, s.ChatID(), assistantID))
	s.Flush()

	require.Equal(t, session.StateCompleted, s.Controller().State())
	require.Equal(t, savesAfterSend+1, gateway.saves)
	savedMsg, ok := gateway.saved.GetMessage(assistantID)
	require.True(t, ok)
	require.True(t, savedMsg.Done)
}

func TestForeignChatEnvelopeIgnoredUnlessMessageKnown(t *testing.T) {
	client := &fakeClient{}
	gateway := &fakeGateway{}
	s := NewService(client, gateway)
	defer s.Close()

	_, assistantID, err := s.Send(context.Background(), "hello", nil)
	require.NoError(t, err)

	// foreign chat, unknown message: dropped
	s.HandleEnvelope(deltaEnvelope(t, "other-chat", conversation.NewNodeID(), "noise"))
	s.Flush()
	msg, ok := s.Snapshot().GetMessage(assistantID)
	require.True(t, ok)
	require.Equal(t, "", msg.Content)

	// foreign chat, known message: a background generation keeps streaming
	s.HandleEnvelope(deltaEnvelope(t, "other-chat", assistantID, "still mine"))
	s.Flush()
	msg, ok = s.Snapshot().GetMessage(assistantID)
	require.True(t, ok)
	require.Equal(t, "still mine", msg.Content)
}

func TestEditUserMessageRegenerates(t *testing.T) {
	client := &fakeClient{}
	gateway := &fakeGateway{}
	s := NewService(client, gateway, WithModel("gpt-4o-mini", "GPT-4o mini", 0))
	defer s.Close()

	userID, assistantID, err := s.Send(context.Background(), "first", nil)
	require.NoError(t, err)
	s.HandleEnvelope(doneEnvelope(t, s.ChatID(), assistantID))
	s.Flush()

	require.NoError(t, s.Edit(context.Background(), userID, "rewritten"))

	snapshot := s.Snapshot()
	msg, ok := snapshot.GetMessage(userID)
	require.True(t, ok)
	require.Equal(t, "rewritten", msg.Content)
	require.Len(t, msg.ChildrenIDs, 1)
	require.NotEqual(t, assistantID, msg.ChildrenIDs[0])

	// the old branch is gone, a fresh generation is streaming
	_, ok = snapshot.GetMessage(assistantID)
	require.False(t, ok)
	require.Len(t, client.requests, 2)
	require.Equal(t, session.StateStreaming, s.Controller().State())
}

func TestEditAssistantMessageDoesNotRegenerate(t *testing.T) {
	client := &fakeClient{}
	gateway := &fakeGateway{}
	s := NewService(client, gateway)
	defer s.Close()

	_, assistantID, err := s.Send(context.Background(), "first", nil)
	require.NoError(t, err)
	s.HandleEnvelope(doneEnvelope(t, s.ChatID(), assistantID))
	s.Flush()

	require.NoError(t, s.Edit(context.Background(), assistantID, "corrected"))
	require.Len(t, client.requests, 1)

	msg, ok := s.Snapshot().GetMessage(assistantID)
	require.True(t, ok)
	require.Equal(t, "corrected", msg.Content)
}

func TestRegenerateCreatesSiblingBranch(t *testing.T) {
	client := &fakeClient{}
	gateway := &fakeGateway{}
	s := NewService(client, gateway, WithModel("gpt-4o-mini", "GPT-4o mini", 0))
	defer s.Close()

	userID, assistantID, err := s.Send(context.Background(), "first", nil)
	require.NoError(t, err)
	s.HandleEnvelope(doneEnvelope(t, s.ChatID(), assistantID))
	s.Flush()

	require.NoError(t, s.Regenerate(context.Background(), assistantID))

	snapshot := s.Snapshot()
	user, ok := snapshot.GetMessage(userID)
	require.True(t, ok)
	require.Len(t, user.ChildrenIDs, 2)
	require.NotEqual(t, assistantID, snapshot.CurrentID)
	require.Len(t, client.requests, 2)
}

func TestStopForcesLeafDone(t *testing.T) {
	client := &fakeClient{}
	gateway := &fakeGateway{}
	s := NewService(client, gateway)
	defer s.Close()

	_, assistantID, err := s.Send(context.Background(), "hello", nil)
	require.NoError(t, err)

	require.NoError(t, s.Stop(context.Background()))
	require.Equal(t, session.StateCancelled, s.Controller().State())
	require.Equal(t, []string{"task-1"}, client.stopped)

	msg, ok := s.Snapshot().GetMessage(assistantID)
	require.True(t, ok)
	require.True(t, msg.Done)
}

func TestSendWhileStreamingLeavesTreeUntouched(t *testing.T) {
	client := &fakeClient{}
	gateway := &fakeGateway{}
	s := NewService(client, gateway, WithModel("gpt-4o-mini", "GPT-4o mini", 0))
	defer s.Close()

	_, assistantID, err := s.Send(context.Background(), "first", nil)
	require.NoError(t, err)
	require.Equal(t, session.StateStreaming, s.Controller().State())
	savesBefore := gateway.saves

	_, _, err = s.Send(context.Background(), "second", nil)
	require.ErrorIs(t, err, session.ErrGenerationInProgress)

	// no orphan placeholder, no moved leaf, no extra checkpoint
	snapshot := s.Snapshot()
	require.Len(t, snapshot.Messages, 2)
	require.Equal(t, assistantID, snapshot.CurrentID)
	require.Equal(t, savesBefore, gateway.saves)
	require.Len(t, client.requests, 1)
}

func TestEditWhileStreamingRejectedBeforeTruncation(t *testing.T) {
	client := &fakeClient{}
	gateway := &fakeGateway{}
	s := NewService(client, gateway)
	defer s.Close()

	userID, assistantID, err := s.Send(context.Background(), "first", nil)
	require.NoError(t, err)

	err = s.Edit(context.Background(), userID, "rewritten")
	require.ErrorIs(t, err, session.ErrGenerationInProgress)

	snapshot := s.Snapshot()
	msg, ok := snapshot.GetMessage(userID)
	require.True(t, ok)
	require.Equal(t, "first", msg.Content)
	_, ok = snapshot.GetMessage(assistantID)
	require.True(t, ok)

	// editing the streaming assistant's content stays allowed
	require.NoError(t, s.Edit(context.Background(), assistantID, "patched"))
}

func TestRegenerateWhileStreamingLeavesTreeUntouched(t *testing.T) {
	client := &fakeClient{}
	gateway := &fakeGateway{}
	s := NewService(client, gateway)
	defer s.Close()

	_, assistantID, err := s.Send(context.Background(), "first", nil)
	require.NoError(t, err)

	err = s.Regenerate(context.Background(), assistantID)
	require.ErrorIs(t, err, session.ErrGenerationInProgress)

	snapshot := s.Snapshot()
	require.Len(t, snapshot.Messages, 2)
	require.Equal(t, assistantID, snapshot.CurrentID)
	require.Len(t, client.requests, 1)
}

func TestHandlerDropsMalformedPayloads(t *testing.T) {
	s := NewService(nil, nil)
	defer s.Close()

	handler := s.Handler()
	msg := message.NewMessage(watermill.NewUUID(), []byte("not json"))
	require.NoError(t, handler(msg))
}
