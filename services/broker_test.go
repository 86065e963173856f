package services

import (
	"context"
	"testing"
	"time"

	"psamonitor/models"
	"psamonitor/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	seedAdmin = int64(1000)
	operator  = int64(2000)
	stranger  = int64(3000)
)

func newTestBroker(t *testing.T) *AuthorizationBroker {
	t.Helper()
	b := NewAuthorizationBroker(store.NewMemoryStore(), seedAdmin, time.Second, zap.NewNop())
	_, _, err := b.Contact(context.Background(), seedAdmin, "jefe")
	require.NoError(t, err)
	return b
}

func TestContact(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	admin, created, err := b.Contact(ctx, seedAdmin, "jefe")
	require.NoError(t, err)
	assert.False(t, created)
	assert.True(t, admin.IsAdmin())

	identity, created, err := b.Contact(ctx, stranger, "nuevo")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.StatusPending, identity.Status)
	assert.Empty(t, identity.Role)

	identity, created, err = b.Contact(ctx, stranger, "renombrado")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "renombrado", identity.Username)
}

func TestIdentityLifecycle(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	_, _, err := b.Contact(ctx, operator, "op")
	require.NoError(t, err)

	identity, err := b.Authorize(ctx, seedAdmin, operator, models.RoleOperator)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAuthorized, identity.Status)
	assert.Equal(t, models.RoleOperator, identity.Role)
	assert.Equal(t, seedAdmin, identity.AuthorizedBy)

	// Role change while authorized.
	identity, err = b.Authorize(ctx, seedAdmin, operator, models.RoleReader)
	require.NoError(t, err)
	assert.Equal(t, models.RoleReader, identity.Role)

	identity, err = b.Revoke(ctx, seedAdmin, operator)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRevoked, identity.Status)

	_, err = b.Authorize(ctx, seedAdmin, operator, models.RoleOperator)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	_, err = b.Revoke(ctx, seedAdmin, operator)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	identity, err = b.Reactivate(ctx, seedAdmin, operator)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, identity.Status)
	assert.Empty(t, identity.Plants)

	_, err = b.Reactivate(ctx, seedAdmin, operator)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestBrokerGuards(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	_, _, err := b.Contact(ctx, operator, "op")
	require.NoError(t, err)

	_, err = b.Authorize(ctx, operator, stranger, models.RoleAdmin)
	assert.ErrorIs(t, err, models.ErrForbidden)

	_, err = b.Authorize(ctx, seedAdmin, seedAdmin, models.RoleReader)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = b.Revoke(ctx, seedAdmin, seedAdmin)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	// A second admin cannot demote or revoke the seed admin.
	_, err = b.Authorize(ctx, seedAdmin, operator, models.RoleAdmin)
	require.NoError(t, err)
	_, err = b.Authorize(ctx, operator, seedAdmin, models.RoleReader)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	_, err = b.Revoke(ctx, operator, seedAdmin)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = b.Revoke(ctx, seedAdmin, 999)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestCheck(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	_, _, err := b.Contact(ctx, stranger, "")
	require.NoError(t, err)

	_, err = b.Check(ctx, stranger, "/ayuda")
	assert.NoError(t, err)
	_, err = b.Check(ctx, stranger, "/estado")
	assert.ErrorIs(t, err, models.ErrForbidden)
	_, err = b.Check(ctx, stranger, "/desconocido")
	assert.ErrorIs(t, err, models.ErrForbidden)

	_, err = b.Authorize(ctx, seedAdmin, stranger, models.RoleReader)
	require.NoError(t, err)
	_, err = b.Check(ctx, stranger, "/estado")
	assert.NoError(t, err)
	_, err = b.Check(ctx, stranger, "/usuarios")
	assert.ErrorIs(t, err, models.ErrForbidden)
	_, err = b.Check(ctx, seedAdmin, "/USUARIOS")
	assert.NoError(t, err)
}

func TestSubscriptionsAndRecipients(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	for _, id := range []int64{operator, stranger} {
		_, _, err := b.Contact(ctx, id, "")
		require.NoError(t, err)
	}
	_, err := b.Subscribe(ctx, stranger, "hospital_central")
	assert.ErrorIs(t, err, models.ErrForbidden)

	_, err = b.Authorize(ctx, seedAdmin, operator, models.RoleOperator)
	require.NoError(t, err)
	identity, err := b.Subscribe(ctx, operator, "hospital_central")
	require.NoError(t, err)
	identity, err = b.Subscribe(ctx, operator, "hospital_central")
	require.NoError(t, err)
	assert.Equal(t, []string{"hospital_central"}, identity.Plants)

	recipients, err := b.Recipients(ctx, "hospital_central")
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{seedAdmin, operator}, chatIDs(recipients))

	recipients, err = b.Recipients(ctx, "clinica_sur")
	require.NoError(t, err)
	assert.Equal(t, []int64{seedAdmin}, chatIDs(recipients))

	_, err = b.Unsubscribe(ctx, operator, "hospital_central")
	require.NoError(t, err)
	recipients, err = b.Recipients(ctx, "hospital_central")
	require.NoError(t, err)
	assert.Equal(t, []int64{seedAdmin}, chatIDs(recipients))
}

func chatIDs(identities []*models.ChatIdentity) []int64 {
	out := make([]int64, 0, len(identities))
	for _, id := range identities {
		out = append(out, id.ChatID)
	}
	return out
}
