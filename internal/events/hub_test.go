package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func marshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestExtractTargetsFlagsEvent(t *testing.T) {
	userID := uuid.New()
	payload := marshal(t, FlagsEvent{Type: TypeFlags, UserID: userID})

	targets := extractTargets(payload)
	require.Equal(t, []uuid.UUID{userID}, targets, "flag changes go only to their owner")
}

func TestExtractTargetsMessageEvent(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	payload := marshal(t, MessageEvent{
		Type: TypeMessage,
		Recipients: []Recipient{
			{ID: a, Flags: []string{}},
			{ID: b, Flags: []string{"mentioned"}},
		},
	})

	targets := extractTargets(payload)
	require.NotNil(t, targets)
	require.ElementsMatch(t, []uuid.UUID{a, b}, targets)
}

func TestExtractTargetsAudienceEvents(t *testing.T) {
	a, b := uuid.New(), uuid.New()

	targets := extractTargets(marshal(t, ReactionEvent{Type: TypeReaction, Audience: []uuid.UUID{a, b}}))
	require.ElementsMatch(t, []uuid.UUID{a, b}, targets)

	targets = extractTargets(marshal(t, StreamEvent{Type: TypeStream, Op: "create", Audience: []uuid.UUID{a}}))
	require.Equal(t, []uuid.UUID{a}, targets)
}

func TestExtractTargetsUnknownGoesTenantWide(t *testing.T) {
	require.Nil(t, extractTargets([]byte(`{"type":"something_new"}`)))
	require.Nil(t, extractTargets([]byte(`not json`)), "unparseable payloads fan out rather than vanish")
}

func TestMemoryPublisherByType(t *testing.T) {
	pub := NewMemoryPublisher()
	tenantID := uuid.New()

	require.NoError(t, pub.Publish(context.Background(), tenantID, FlagsEvent{Type: TypeFlags, Flag: "read"}))
	require.NoError(t, pub.Publish(context.Background(), tenantID, ReactionEvent{Type: TypeReaction, Emoji: "+1"}))
	require.NoError(t, pub.Publish(context.Background(), tenantID, FlagsEvent{Type: TypeFlags, Flag: "starred"}))

	flagEvents := ByType[FlagsEvent](pub)
	require.Len(t, flagEvents, 2)
	require.Equal(t, "read", flagEvents[0].Flag)
	require.Equal(t, "starred", flagEvents[1].Flag)

	require.Len(t, ByType[ReactionEvent](pub), 1)
	require.Empty(t, ByType[MessageEvent](pub))
}
