package models

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestGroupKeyOrderIndependent(t *testing.T) {
	a := uuid.New()
	b := uuid.New()
	c := uuid.New()

	assert.Equal(t, GroupKey([]uuid.UUID{a, b, c}), GroupKey([]uuid.UUID{c, a, b}))
	assert.NotEqual(t, GroupKey([]uuid.UUID{a, b}), GroupKey([]uuid.UUID{a, b, c}))
}

func TestSortUserIDsDeduplicates(t *testing.T) {
	a := uuid.New()
	b := uuid.New()

	out := SortUserIDs([]uuid.UUID{b, a, b, a, a})
	assert.Len(t, out, 2)
	assert.Equal(t, out, SortUserIDs([]uuid.UUID{a, b}))
}

func TestSubscriptionIntervalContains(t *testing.T) {
	end := int64(20)
	closed := SubscriptionInterval{StartMessageID: 10, EndMessageID: &end}

	assert.False(t, closed.Contains(10), "start boundary is exclusive")
	assert.True(t, closed.Contains(11))
	assert.True(t, closed.Contains(20), "end boundary is inclusive")
	assert.False(t, closed.Contains(21))

	open := SubscriptionInterval{StartMessageID: 10}
	assert.True(t, open.Contains(1000))
	assert.False(t, open.Contains(5))
}

func TestStreamDeactivated(t *testing.T) {
	s := Stream{Name: "general"}
	assert.False(t, s.Deactivated())

	s.Name = DeactivatedStreamPrefix + "general"
	assert.True(t, s.Deactivated())
}

func TestStreamHistoryPublic(t *testing.T) {
	assert.True(t, (&Stream{Visibility: StreamPublic}).HistoryPublic())
	assert.True(t, (&Stream{Visibility: StreamPrivate, HistoryPublicToSubscribers: true}).HistoryPublic())
	assert.False(t, (&Stream{Visibility: StreamPrivate}).HistoryPublic())
}
