package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"expense-ingest/internal/dto"
	"expense-ingest/internal/ingest"
	"expense-ingest/internal/models"
	"expense-ingest/internal/repository"
	"expense-ingest/pkg/auth"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidCurrency    = errors.New("unknown home currency")
)

type userStore interface {
	Create(ctx context.Context, user *models.User) error
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

type AuthService struct {
	userRepo        userStore
	jwtManager      *auth.JWTManager
	defaultCurrency string
	logger          *zap.Logger
}

// NewAuthService registers users with defaultCurrency as their home currency
// unless they name one.
func NewAuthService(userRepo userStore, jwtManager *auth.JWTManager, defaultCurrency string, logger *zap.Logger) *AuthService {
	return &AuthService{
		userRepo:        userRepo,
		jwtManager:      jwtManager,
		defaultCurrency: strings.ToUpper(strings.TrimSpace(defaultCurrency)),
		logger:          logger,
	}
}

func (s *AuthService) Register(ctx context.Context, req *dto.RegisterRequest) (*dto.AuthResponse, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))

	homeCurrency := strings.ToUpper(strings.TrimSpace(req.HomeCurrency))
	if homeCurrency == "" {
		homeCurrency = s.defaultCurrency
	}
	if !ingest.IsKnownCurrency(homeCurrency) {
		return nil, ErrInvalidCurrency
	}

	existingUser, err := s.userRepo.GetByEmail(ctx, email)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	if existingUser != nil {
		return nil, ErrUserExists
	}

	hashedPassword, err := auth.HashPassword(req.Password)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	user := &models.User{
		ID:        uuid.New(),
		Username:  strings.TrimSpace(req.Username),
		Email:     email,
		Password:     hashedPassword,
		HomeCurrency: homeCurrency,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.userRepo.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicateEntry) {
			return nil, ErrUserExists
		}
		return nil, err
	}

	s.logger.Info("User registered", zap.String("user_id", user.ID.String()))
	return s.issueTokens(user)
}

func (s *AuthService) Login(ctx context.Context, req *dto.LoginRequest) (*dto.AuthResponse, error) {
	user, err := s.userRepo.GetByEmail(ctx, strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	if !auth.CheckPasswordHash(req.Password, user.Password) {
		return nil, ErrInvalidCredentials
	}

	return s.issueTokens(user)
}

func (s *AuthService) RefreshToken(ctx context.Context, refreshToken string) (*dto.AuthResponse, error) {
	claims, err := s.jwtManager.ValidateRefreshToken(refreshToken)
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return nil, ErrUserNotFound
	}

	return s.issueTokens(user)
}

func (s *AuthService) issueTokens(user *models.User) (*dto.AuthResponse, error) {
	accessToken, err := s.jwtManager.GenerateToken(auth.Subject{
		UserID:       user.ID.String(),
		Username:     user.Username,
		Email:        user.Email,
		HomeCurrency: user.HomeCurrency,
	})
	if err != nil {
		return nil, err
	}

	refreshToken, err := s.jwtManager.GenerateRefreshToken(user.ID.String())
	if err != nil {
		return nil, err
	}

	return &dto.AuthResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.jwtManager.GetTokenDuration().Seconds()),
		User: dto.UserResponse{
			ID:           user.ID.String(),
			Username:     user.Username,
			Email:        user.Email,
			HomeCurrency: user.HomeCurrency,
		},
	}, nil
}
