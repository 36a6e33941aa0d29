package app

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"projectfinder/internal/errs"
	"projectfinder/internal/pkg/jwtutil"
)

var ErrInvalidCredential = errors.New("invalid username or password")

type AuthOptions struct {
	JWTSecret     string
	JWTExpiration time.Duration
	AdminUsername string
	// AdminPasswordHash is a bcrypt hash. Empty disables login.
	AdminPasswordHash string
}

type LoginInput struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type AuthResult struct {
	Token     string    `json:"token"`
	Subject   string    `json:"subject"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AuthService exchanges the operator credentials for an admin token.
type AuthService struct {
	opts AuthOptions
	now  func() time.Time
}

func NewAuthService(opts AuthOptions) *AuthService {
	if opts.JWTExpiration <= 0 {
		opts.JWTExpiration = 2 * time.Hour
	}
	return &AuthService{opts: opts, now: time.Now}
}

func (s *AuthService) Login(input LoginInput) (*AuthResult, error) {
	username := strings.TrimSpace(input.Username)
	if username == "" || input.Password == "" {
		return nil, errs.InvalidQueryf("username and password are required")
	}
	if s.opts.AdminPasswordHash == "" {
		return nil, ErrInvalidCredential
	}
	if subtle.ConstantTimeCompare([]byte(username), []byte(s.opts.AdminUsername)) != 1 {
		return nil, ErrInvalidCredential
	}
	if err := bcrypt.CompareHashAndPassword([]byte(s.opts.AdminPasswordHash), []byte(input.Password)); err != nil {
		return nil, ErrInvalidCredential
	}

	expiresAt := s.now().Add(s.opts.JWTExpiration)
	token, err := jwtutil.GenerateToken(s.opts.JWTSecret, s.opts.JWTExpiration, username, jwtutil.RoleAdmin)
	if err != nil {
		return nil, err
	}
	return &AuthResult{Token: token, Subject: username, Role: jwtutil.RoleAdmin, ExpiresAt: expiresAt}, nil
}

// HashPassword returns the bcrypt hash to put in auth.admin_password_hash.
func HashPassword(password string) (string, error) {
	if len(password) < 8 {
		return "", errs.InvalidQueryf("password must have at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password failed: %w", err)
	}
	return string(hash), nil
}
