package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/dukerupert/manzil/internal/auth"
	"github.com/dukerupert/manzil/internal/domain"
	"github.com/dukerupert/manzil/internal/repository"
	"github.com/dukerupert/manzil/internal/telemetry"
)

type authService struct {
	repo   repository.Querier
	tokens *auth.TokenIssuer
	logger *slog.Logger
}

// NewAuthService creates an AuthService that checks passwords stored in
// repo and issues tokens with tokens.
func NewAuthService(repo repository.Querier, tokens *auth.TokenIssuer, logger *slog.Logger) domain.AuthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &authService{
		repo:   repo,
		tokens: tokens,
		logger: logger,
	}
}

// Login implements domain.AuthService.
func (s *authService) Login(ctx context.Context, params domain.LoginParams) (*domain.Session, error) {
	const op = "auth.login"

	params.Email = strings.TrimSpace(params.Email)
	if err := validateStruct(op, params); err != nil {
		s.loginFailed("validation")
		return nil, err
	}

	row, err := s.repo.GetUserByEmail(ctx, params.Email)
	if err != nil {
		if repository.IsNotFound(err) {
			auth.BurnCompare(params.Password)
			s.loginFailed("invalid_credentials")
			return nil, domain.ErrInvalidCredentials
		}
		return nil, domain.Internal(err, op, "failed to load user")
	}

	if err := auth.VerifyPassword(params.Password, row.PasswordHash); err != nil {
		if errors.Is(err, auth.ErrPasswordMismatch) {
			s.loginFailed("invalid_credentials")
			return nil, domain.ErrInvalidCredentials
		}
		return nil, domain.Internal(err, op, "failed to verify password")
	}

	user := userFromRow(row)
	token, expiresAt, err := s.tokens.Issue(user.Identity())
	if err != nil {
		return nil, domain.Internal(err, op, "failed to issue token")
	}

	if telemetry.Business != nil {
		telemetry.Business.Logins.Inc()
	}
	s.logger.InfoContext(ctx, "user logged in", "user_id", user.ID, "role", user.Role)

	return &domain.Session{
		Token:     token,
		ExpiresAt: expiresAt,
		User:      user,
	}, nil
}

// ParseToken implements domain.AuthService.
func (s *authService) ParseToken(token string) (domain.Identity, error) {
	id, err := s.tokens.Parse(token)
	if err != nil {
		e := domain.Localized(domain.EUNAUTHORIZED, "auth.parse_token", domain.MsgUnauthorized)
		e.Err = err
		return domain.Identity{}, e
	}
	return id, nil
}

func (s *authService) loginFailed(reason string) {
	if telemetry.Business != nil {
		telemetry.Business.LoginFailed.WithLabelValues(reason).Inc()
	}
}
