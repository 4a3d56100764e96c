// Package bootstrap handles one-time initialization tasks for the application.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukerupert/manzil/internal/auth"
	"github.com/dukerupert/manzil/internal/domain"
	"github.com/dukerupert/manzil/internal/repository"
)

// OwnerConfig contains configuration for the owner account.
type OwnerConfig struct {
	Email    string
	Password string
	Name     string
}

// Validate checks that the owner configuration is valid.
func (c *OwnerConfig) Validate() error {
	if c.Email == "" {
		return errors.New("owner email is required")
	}
	if !strings.Contains(c.Email, "@") {
		return errors.New("owner email is invalid")
	}
	if c.Password == "" {
		return errors.New("owner password is required")
	}
	if len(c.Password) < 12 {
		return errors.New("owner password must be at least 12 characters")
	}
	return nil
}

// EnsureOwner makes sure the configured account exists with the owner role.
// It is safe to call on every startup.
//
// An existing account with the same email keeps its password and is promoted
// to owner if needed. A nil config or one without credentials is skipped with
// a warning so development can run without an owner.
func EnsureOwner(
	ctx context.Context,
	repo repository.Querier,
	cfg *OwnerConfig,
	logger *slog.Logger,
) error {
	if cfg == nil || cfg.Email == "" || cfg.Password == "" {
		logger.Warn("bootstrap: skipping owner creation - MANZIL_OWNER_EMAIL or MANZIL_OWNER_PASSWORD not set",
			"hint", "Set these environment variables to create the owner account on first startup",
		)
		return nil
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid owner configuration: %w", err)
	}

	existing, err := repo.GetUserByEmail(ctx, cfg.Email)
	if err == nil {
		if domain.Role(existing.Role) == domain.RoleOwner {
			logger.Info("bootstrap: owner already exists", "email", cfg.Email)
			return nil
		}
		if err := repo.UpdateUserRole(ctx, repository.UpdateUserRoleParams{
			ID:   existing.ID,
			Role: string(domain.RoleOwner),
		}); err != nil {
			return fmt.Errorf("failed to promote owner: %w", err)
		}
		logger.Info("bootstrap: existing user promoted to owner",
			"email", cfg.Email,
			"previous_role", existing.Role,
		)
		return nil
	}
	if !repository.IsNotFound(err) {
		return fmt.Errorf("failed to check for existing owner: %w", err)
	}

	passwordHash, err := auth.HashPassword(cfg.Password)
	if err != nil {
		return fmt.Errorf("failed to hash owner password: %w", err)
	}

	name := cfg.Name
	if name == "" {
		name = "Owner"
	}

	user, err := repo.CreateUser(ctx, repository.CreateUserParams{
		Name:         name,
		Email:        strings.ToLower(cfg.Email),
		PasswordHash: passwordHash,
		Role:         string(domain.RoleOwner),
	})
	if err != nil {
		// Another instance created it first.
		if repository.IsUniqueViolation(err, "") {
			logger.Info("bootstrap: owner already exists (concurrent creation)", "email", cfg.Email)
			return nil
		}
		return fmt.Errorf("failed to create owner: %w", err)
	}

	logger.Info("bootstrap: owner created successfully",
		"email", cfg.Email,
		"user_id", user.ID.Bytes,
	)
	return nil
}
