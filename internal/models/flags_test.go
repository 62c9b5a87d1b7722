package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagsBitOps(t *testing.T) {
	var f MessageFlags
	f = f.With(FlagRead).With(FlagStarred)

	assert.True(t, f.Has(FlagRead))
	assert.True(t, f.Has(FlagStarred))
	assert.False(t, f.Has(FlagMentioned))

	f = f.Without(FlagRead)
	assert.False(t, f.Has(FlagRead))
	assert.True(t, f.Has(FlagStarred))
}

func TestFlagsNamesStableOrder(t *testing.T) {
	f := FlagHasAlertWord | FlagRead | FlagMentioned
	assert.Equal(t, []string{"read", "mentioned", "has_alert_word"}, f.Names())
}

func TestFlagsNamesEmptyIsNotNil(t *testing.T) {
	var f MessageFlags
	names := f.Names()
	assert.NotNil(t, names)
	assert.Empty(t, names)
}

func TestFlagByName(t *testing.T) {
	flag, err := FlagByName("starred")
	require.NoError(t, err)
	assert.Equal(t, FlagStarred, flag)

	_, err = FlagByName("bogus")
	assert.Error(t, err)
}

func TestMentionDerivedFlagsExcludeUserState(t *testing.T) {
	assert.Zero(t, MentionDerivedFlags&FlagRead)
	assert.Zero(t, MentionDerivedFlags&FlagStarred)
	assert.Zero(t, MentionDerivedFlags&FlagHistorical)
}
