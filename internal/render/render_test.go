package render

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/lalith-99/courier/internal/models"
	"github.com/lalith-99/courier/internal/repository/memory"
)

type renderFixture struct {
	store    *memory.Store
	renderer *Markdown
	tenantID uuid.UUID
}

func newRenderFixture(t *testing.T) *renderFixture {
	t.Helper()
	store := memory.NewStore()
	tenant, err := store.Tenants().Create(context.Background(), "acme")
	require.NoError(t, err)
	return &renderFixture{
		store:    store,
		renderer: NewMarkdown(store.Users(), store.AlertWords()),
		tenantID: tenant.ID,
	}
}

func (f *renderFixture) addUser(t *testing.T, email string) *models.User {
	t.Helper()
	user, err := f.store.Users().Create(context.Background(), &models.User{
		TenantID: f.tenantID,
		Email:    email,
		IsActive: true,
	})
	require.NoError(t, err)
	return user
}

func TestRenderPersonalMention(t *testing.T) {
	f := newRenderFixture(t)
	bob := f.addUser(t, "bob@acme.test")

	out, err := f.renderer.Render(context.Background(), f.tenantID, "hey @**bob@acme.test**, ship it")
	require.NoError(t, err)

	require.True(t, out.MentionUserIDs.Contains(bob.ID))
	require.False(t, out.WildcardMention)
}

func TestRenderWildcardMention(t *testing.T) {
	f := newRenderFixture(t)

	for _, content := range []string{"@**all** standup time", "hello @everyone!", "@stream notice"} {
		out, err := f.renderer.Render(context.Background(), f.tenantID, content)
		require.NoError(t, err)
		require.True(t, out.WildcardMention, "content: %q", content)
	}

	out, err := f.renderer.Render(context.Background(), f.tenantID, "mail@everyone.example is an address")
	require.NoError(t, err)
	require.False(t, out.WildcardMention, "wildcard must be token-anchored")
}

func TestRenderCodeBlocksAreInert(t *testing.T) {
	f := newRenderFixture(t)
	bob := f.addUser(t, "bob@acme.test")

	content := "```\n@**bob@acme.test** @all\n```\nand `@**bob@acme.test**` inline"
	out, err := f.renderer.Render(context.Background(), f.tenantID, content)
	require.NoError(t, err)

	require.False(t, out.MentionUserIDs.Contains(bob.ID))
	require.False(t, out.WildcardMention)
}

func TestRenderCrossTenantMentionIsJustText(t *testing.T) {
	f := newRenderFixture(t)
	other, err := f.store.Tenants().Create(context.Background(), "rival")
	require.NoError(t, err)
	outsider, err := f.store.Users().Create(context.Background(), &models.User{
		TenantID: other.ID,
		Email:    "eve@rival.test",
		IsActive: true,
	})
	require.NoError(t, err)

	out, err := f.renderer.Render(context.Background(), f.tenantID, "cc @**eve@rival.test**")
	require.NoError(t, err)
	require.False(t, out.MentionUserIDs.Contains(outsider.ID))
}

func TestRenderAlertWords(t *testing.T) {
	f := newRenderFixture(t)
	bob := f.addUser(t, "bob@acme.test")
	require.NoError(t, f.store.AlertWords().Add(context.Background(), f.tenantID, bob.ID, "Deploy"))

	out, err := f.renderer.Render(context.Background(), f.tenantID, "the DEPLOY finished")
	require.NoError(t, err)
	require.True(t, out.AlertWordUserIDs.Contains(bob.ID), "match is case-insensitive")

	out, err = f.renderer.Render(context.Background(), f.tenantID, "redeployment in progress")
	require.NoError(t, err)
	require.False(t, out.AlertWordUserIDs.Contains(bob.ID), "substring inside a word must not fire")
}

func TestRenderLinksAndEscaping(t *testing.T) {
	f := newRenderFixture(t)

	out, err := f.renderer.Render(context.Background(), f.tenantID, "see https://example.com/a and <b>")
	require.NoError(t, err)
	require.Equal(t, []string{"https://example.com/a"}, out.Links)
	require.NotContains(t, out.HTML, "<b>")
}

func TestRenderUploadReferences(t *testing.T) {
	f := newRenderFixture(t)

	out, err := f.renderer.Render(context.Background(), f.tenantID,
		"report: /user_uploads/acme/aaa/report.pdf done")
	require.NoError(t, err)
	require.Equal(t, []string{"acme/aaa/report.pdf"}, out.UploadPathIDs)

	out, err = f.renderer.Render(context.Background(), f.tenantID, "no uploads here")
	require.NoError(t, err)
	require.Empty(t, out.UploadPathIDs)
}
