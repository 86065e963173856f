package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"psamonitor/models"
	"psamonitor/store"

	"go.uber.org/zap"
)

// Access is the minimum identity status a bot command requires
type Access int

const (
	AccessNone Access = iota
	AccessAuthorized
	AccessAdmin
)

// commandAccess is the single table consulted before any command runs.
var commandAccess = map[string]Access{
	"/start":       AccessNone,
	"/ayuda":       AccessNone,
	"/estado":      AccessAuthorized,
	"/planta":      AccessAuthorized,
	"/stats":       AccessAuthorized,
	"/equipos":     AccessAuthorized,
	"/alarmas":     AccessAuthorized,
	"/suscribir":   AccessAuthorized,
	"/desuscribir": AccessAuthorized,
	"/usuarios":    AccessAdmin,
	"/autorizar":   AccessAdmin,
	"/revocar":     AccessAdmin,
	"/reactivar":   AccessAdmin,
}

// RequiredAccess returns the access a command needs. Unlisted commands
// need an authorized identity.
func RequiredAccess(command string) Access {
	if a, ok := commandAccess[strings.ToLower(command)]; ok {
		return a
	}
	return AccessAuthorized
}

// AuthorizationBroker owns the lifecycle of chat identities
type AuthorizationBroker struct {
	store        store.IdentityStore
	logger       *zap.Logger
	clock        Clock
	adminChatID  int64
	storeTimeout time.Duration
	locks        *keyedMutex[int64]
}

func NewAuthorizationBroker(st store.IdentityStore, adminChatID int64, storeTimeout time.Duration, logger *zap.Logger) *AuthorizationBroker {
	return &AuthorizationBroker{
		store:        st,
		logger:       logger,
		clock:        systemClock{},
		adminChatID:  adminChatID,
		storeTimeout: storeTimeout,
		locks:        newKeyedMutex[int64](),
	}
}

func (b *AuthorizationBroker) load(ctx context.Context, chatID int64) (*models.ChatIdentity, error) {
	ctx, cancel := context.WithTimeout(ctx, b.storeTimeout)
	defer cancel()
	return b.store.GetIdentity(ctx, chatID)
}

func (b *AuthorizationBroker) save(ctx context.Context, identity *models.ChatIdentity) error {
	ctx, cancel := context.WithTimeout(ctx, b.storeTimeout)
	defer cancel()
	identity.UpdatedAt = b.clock.Now()
	if err := b.store.SaveIdentity(ctx, identity); err != nil {
		return fmt.Errorf("failed to save chat identity: %w", err)
	}
	return nil
}

// Contact registers a message from a chat. An unseen chat becomes Pending,
// except the seeded admin which becomes an authorized admin. created reports
// whether the identity did not exist before.
func (b *AuthorizationBroker) Contact(ctx context.Context, chatID int64, username string) (identity *models.ChatIdentity, created bool, err error) {
	unlock := b.locks.Lock(chatID)
	defer unlock()

	identity, err = b.load(ctx, chatID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		now := b.clock.Now()
		identity = &models.ChatIdentity{
			ChatID:    chatID,
			Username:  username,
			Status:    models.StatusPending,
			CreatedAt: now,
		}
		created = true
	case err != nil:
		return nil, false, err
	}

	dirty := created
	if username != "" && identity.Username != username {
		identity.Username = username
		dirty = true
	}
	if chatID == b.adminChatID && b.adminChatID != 0 && !identity.IsAdmin() {
		identity.Status = models.StatusAuthorized
		identity.Role = models.RoleAdmin
		dirty = true
		b.logger.Info("Seed admin registered", zap.Int64("chat_id", chatID))
	}
	if dirty {
		if err := b.save(ctx, identity); err != nil {
			return nil, false, err
		}
	}
	if created {
		b.logger.Info("New chat identity",
			zap.Int64("chat_id", chatID),
			zap.String("username", username),
			zap.String("status", string(identity.Status)))
	}
	return identity, created, nil
}

// Check loads the identity and verifies it may run command. It fails with
// models.ErrForbidden when the status or role is insufficient.
func (b *AuthorizationBroker) Check(ctx context.Context, chatID int64, command string) (*models.ChatIdentity, error) {
	required := RequiredAccess(command)

	identity, err := b.load(ctx, chatID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}
	if required == AccessNone {
		return identity, nil
	}
	if !identity.IsAuthorized() {
		return identity, fmt.Errorf("%w: %s requires an authorized user", models.ErrForbidden, command)
	}
	if required == AccessAdmin && !identity.IsAdmin() {
		return identity, fmt.Errorf("%w: %s requires admin", models.ErrForbidden, command)
	}
	return identity, nil
}

func (b *AuthorizationBroker) requireAdmin(ctx context.Context, actorID int64) error {
	actor, err := b.load(ctx, actorID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return err
	}
	if !actor.IsAdmin() {
		return fmt.Errorf("%w: only admins manage users", models.ErrForbidden)
	}
	return nil
}

// Authorize grants role to target. A Pending or unseen target becomes
// Authorized; an Authorized target changes role. Revoked targets need
// Reactivate first.
func (b *AuthorizationBroker) Authorize(ctx context.Context, actorID, targetID int64, role models.Role) (*models.ChatIdentity, error) {
	if err := b.requireAdmin(ctx, actorID); err != nil {
		return nil, err
	}
	if actorID == targetID {
		return nil, fmt.Errorf("%w: admins cannot change their own role", models.ErrInvalidTransition)
	}
	if targetID == b.adminChatID && role != models.RoleAdmin {
		return nil, fmt.Errorf("%w: the seed admin keeps the admin role", models.ErrInvalidTransition)
	}

	unlock := b.locks.Lock(targetID)
	defer unlock()

	target, err := b.load(ctx, targetID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		target = &models.ChatIdentity{ChatID: targetID, Status: models.StatusPending, CreatedAt: b.clock.Now()}
	case err != nil:
		return nil, err
	}
	if target.Status == models.StatusRevoked {
		return nil, fmt.Errorf("%w: identity %d is revoked", models.ErrInvalidTransition, targetID)
	}

	previous := target.Status
	target.Status = models.StatusAuthorized
	target.Role = role
	target.AuthorizedBy = actorID
	if err := b.save(ctx, target); err != nil {
		return nil, err
	}
	b.logger.Info("Chat identity authorized",
		zap.Int64("actor", actorID),
		zap.Int64("chat_id", targetID),
		zap.String("from", string(previous)),
		zap.String("role", string(role)))
	return target, nil
}

// Revoke moves a Pending or Authorized identity to the terminal Revoked status.
func (b *AuthorizationBroker) Revoke(ctx context.Context, actorID, targetID int64) (*models.ChatIdentity, error) {
	if err := b.requireAdmin(ctx, actorID); err != nil {
		return nil, err
	}
	if actorID == targetID {
		return nil, fmt.Errorf("%w: admins cannot revoke themselves", models.ErrInvalidTransition)
	}
	if targetID == b.adminChatID {
		return nil, fmt.Errorf("%w: the seed admin cannot be revoked", models.ErrInvalidTransition)
	}

	unlock := b.locks.Lock(targetID)
	defer unlock()

	target, err := b.load(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if target.Status == models.StatusRevoked {
		return nil, fmt.Errorf("%w: identity %d is already revoked", models.ErrInvalidTransition, targetID)
	}

	target.Status = models.StatusRevoked
	target.Role = ""
	if err := b.save(ctx, target); err != nil {
		return nil, err
	}
	b.logger.Info("Chat identity revoked", zap.Int64("actor", actorID), zap.Int64("chat_id", targetID))
	return target, nil
}

// Reactivate starts a fresh Pending cycle for a Revoked identity.
func (b *AuthorizationBroker) Reactivate(ctx context.Context, actorID, targetID int64) (*models.ChatIdentity, error) {
	if err := b.requireAdmin(ctx, actorID); err != nil {
		return nil, err
	}

	unlock := b.locks.Lock(targetID)
	defer unlock()

	target, err := b.load(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if target.Status != models.StatusRevoked {
		return nil, fmt.Errorf("%w: identity %d is not revoked", models.ErrInvalidTransition, targetID)
	}

	target.Status = models.StatusPending
	target.Role = ""
	target.Plants = nil
	target.AuthorizedBy = 0
	if err := b.save(ctx, target); err != nil {
		return nil, err
	}
	b.logger.Info("Chat identity reactivated", zap.Int64("actor", actorID), zap.Int64("chat_id", targetID))
	return target, nil
}

// Subscribe adds a plant to the identity's notification set.
func (b *AuthorizationBroker) Subscribe(ctx context.Context, chatID int64, plantID string) (*models.ChatIdentity, error) {
	return b.updatePlants(ctx, chatID, func(plants []string) []string {
		if slices.Contains(plants, plantID) {
			return plants
		}
		return append(plants, plantID)
	})
}

// Unsubscribe removes a plant from the identity's notification set.
func (b *AuthorizationBroker) Unsubscribe(ctx context.Context, chatID int64, plantID string) (*models.ChatIdentity, error) {
	return b.updatePlants(ctx, chatID, func(plants []string) []string {
		return slices.DeleteFunc(plants, func(p string) bool { return p == plantID })
	})
}

func (b *AuthorizationBroker) updatePlants(ctx context.Context, chatID int64, update func([]string) []string) (*models.ChatIdentity, error) {
	unlock := b.locks.Lock(chatID)
	defer unlock()

	identity, err := b.load(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !identity.IsAuthorized() {
		return nil, fmt.Errorf("%w: subscriptions require an authorized user", models.ErrForbidden)
	}
	identity.Plants = update(identity.Plants)
	slices.Sort(identity.Plants)
	if err := b.save(ctx, identity); err != nil {
		return nil, err
	}
	return identity, nil
}

// List returns every known identity.
func (b *AuthorizationBroker) List(ctx context.Context) ([]*models.ChatIdentity, error) {
	ctx, cancel := context.WithTimeout(ctx, b.storeTimeout)
	defer cancel()
	return b.store.ListIdentities(ctx)
}

// Recipients returns the Authorized identities that receive alarms of plantID.
func (b *AuthorizationBroker) Recipients(ctx context.Context, plantID string) ([]*models.ChatIdentity, error) {
	all, err := b.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list chat identities: %w", err)
	}
	out := make([]*models.ChatIdentity, 0, len(all))
	for _, id := range all {
		if id.IsAuthorized() && id.SubscribedTo(plantID) {
			out = append(out, id)
		}
	}
	return out, nil
}
