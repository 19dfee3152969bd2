package server

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/storage"
)

// CredentialVerifier checks resource owner passwords.
type CredentialVerifier struct {
	store storage.UserStore
	*env
}

// Verify returns the user when password matches. An unknown user and a
// wrong password both give ErrInvalidCredentials after one hash comparison.
func (v *CredentialVerifier) Verify(ctx context.Context, username, password string) (*storage.User, error) {
	user, err := v.store.GetUserByUsername(ctx, username)
	if err != nil && !errors.Is(err, storage.ErrUserNotFound) {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	hash := ""
	if user != nil {
		hash = user.PasswordHash
	}

	if err := security.CompareOrDummy(v.hasher, hash, password); err != nil {
		v.logger.Debug("Resource owner authentication failed",
			"reason", "invalid_credentials",
			"user_found", user != nil)
		v.auditor.LogEvent(security.Event{
			Type: security.EventInvalidCredentials,
		})
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// Registration limits for resource owner accounts.
const (
	MinUsernameLength = 4
	MinPasswordLength = 6
)

// UserUpdate lists the user fields to change. Nil fields are kept.
type UserUpdate struct {
	Password *string
	Email    *string
	Name     *string
}

// RegisterUser creates a user with a hashed password. Duplicate usernames
// give storage.ErrUserExists.
func (v *CredentialVerifier) RegisterUser(ctx context.Context, username, password, email string) (*storage.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, ErrInvalidRequest("username is required")
	}
	if utf8.RuneCountInString(username) < MinUsernameLength {
		return nil, ErrInvalidRequest(fmt.Sprintf("username must be at least %d characters", MinUsernameLength))
	}
	if err := validatePassword(password); err != nil {
		return nil, err
	}
	if err := validateEmail(email); err != nil {
		return nil, err
	}

	hash, err := v.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &storage.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: hash,
		Email:        email,
		CreatedAt:    v.now(),
	}
	if err := v.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}

	v.auditor.LogEvent(security.Event{
		Type:   security.EventUserRegistered,
		UserID: user.ID,
	})
	v.logger.Info("Registered user", "user_id", user.ID)
	return user, nil
}

// UpdateUser changes a user's password, email or display name. The username
// is immutable. Issued tokens are not revoked.
func (v *CredentialVerifier) UpdateUser(ctx context.Context, userID string, update UserUpdate) (*storage.User, error) {
	user, err := v.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	if update.Password != nil {
		if err := validatePassword(*update.Password); err != nil {
			return nil, err
		}
	}
	if update.Email != nil {
		if err := validateEmail(*update.Email); err != nil {
			return nil, err
		}
		user.Email = *update.Email
	}
	if update.Name != nil {
		user.Name = *update.Name
	}
	if update.Password != nil {
		hash, err := v.hasher.Hash(*update.Password)
		if err != nil {
			return nil, fmt.Errorf("failed to hash password: %w", err)
		}
		user.PasswordHash = hash
	}

	if err := v.store.UpdateUser(ctx, user); err != nil {
		return nil, err
	}

	v.auditor.LogEvent(security.Event{
		Type:    security.EventUserUpdated,
		UserID:  user.ID,
		Details: map[string]any{"password_changed": update.Password != nil},
	})
	v.logger.Info("Updated user", "user_id", user.ID)
	return user, nil
}

// SetPassword replaces the password of the named user.
func (v *CredentialVerifier) SetPassword(ctx context.Context, username, password string) error {
	user, err := v.store.GetUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		return err
	}
	_, err = v.UpdateUser(ctx, user.ID, UserUpdate{Password: &password})
	return err
}

func validatePassword(password string) error {
	if password == "" {
		return ErrInvalidRequest("password is required")
	}
	if utf8.RuneCountInString(password) < MinPasswordLength {
		return ErrInvalidRequest(fmt.Sprintf("password must be at least %d characters", MinPasswordLength))
	}
	return nil
}

// validateEmail accepts an empty value or a bare RFC 5322 address.
func validateEmail(email string) error {
	if email == "" {
		return nil
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return ErrInvalidRequest(fmt.Sprintf("invalid email address %q", email))
	}
	return nil
}
