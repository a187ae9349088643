package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/Dan9191/card-ledger/internal/apperr"
	"github.com/Dan9191/card-ledger/internal/models"
)

// bcrypt only hashes the first 72 bytes of a password
const maxPasswordBytes = 72

// Claims are the JWT claims issued at login
type Claims struct {
	Role models.Role `json:"role"`
	jwt.RegisteredClaims
}

// Register creates a new enabled user with a hashed password.
// An empty role registers a USER.
func (s *Service) Register(ctx context.Context, username, email, password string, role models.Role) (*models.User, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)
	if role == "" {
		role = models.RoleUser
	}
	if role != models.RoleUser && role != models.RoleAdmin {
		return nil, apperr.InvalidInput("unknown role %q", role)
	}
	if len(password) > maxPasswordBytes {
		return nil, apperr.InvalidInput("password must be at most %d bytes", maxPasswordBytes)
	}

	taken, err := s.repo.ExistsByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, apperr.ErrDuplicateUsername
	}
	taken, err = s.repo.ExistsByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, apperr.ErrDuplicateEmail
	}

	// Hash password
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &models.User{
		Username:     username,
		Email:        email,
		PasswordHash: string(hashedPassword),
		Role:         role,
		Enabled:      true,
	}
	if err := s.repo.CreateUser(ctx, user); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{"user_id": user.ID, "role": user.Role}).Infof("User registered: %s", user.Username)
	return user, nil
}

// Login authenticates a user and returns a signed JWT
func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	user, err := s.repo.GetUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, apperr.ErrUserNotFound) {
			return "", apperr.ErrInvalidCredentials
		}
		return "", err
	}

	// Verify password
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", apperr.ErrInvalidCredentials
	}
	if !user.Enabled {
		return "", apperr.AccessDenied("user account is disabled")
	}

	// Generate JWT
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(user.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.JWTTTL)),
		},
	})
	tokenString, err := token.SignedString([]byte(s.config.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}

	s.log.WithField("user_id", user.ID).Infof("User logged in: %s", user.Username)
	return tokenString, nil
}

// ParseToken verifies a token issued by Login and returns its principal
func (s *Service) ParseToken(tokenString string) (models.Principal, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return []byte(s.config.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return models.Principal{}, apperr.ErrInvalidCredentials
	}

	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return models.Principal{}, apperr.ErrInvalidCredentials
	}
	if claims.Role != models.RoleUser && claims.Role != models.RoleAdmin {
		return models.Principal{}, apperr.ErrInvalidCredentials
	}
	return models.Principal{ID: id, Role: claims.Role}, nil
}

// EnsureAdmin creates the bootstrap administrator unless the username exists
func (s *Service) EnsureAdmin(ctx context.Context, username, email, password string) error {
	exists, err := s.repo.ExistsByUsername(ctx, username)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = s.Register(ctx, username, email, password, models.RoleAdmin)
	return err
}
