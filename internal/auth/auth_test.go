package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/xtrntr/cryptoexchange/internal/db"
	"github.com/xtrntr/cryptoexchange/internal/memstore"
	"golang.org/x/crypto/bcrypt"
)

const testSecret = "test-secret"

func newTestService() (*AuthService, *memstore.Store) {
	store := memstore.New()
	return NewAuthService(store, testSecret, time.Hour), store
}

func TestAuthService_Register(t *testing.T) {
	tests := []struct {
		name        string
		username    string
		password    string
		expectError bool
	}{
		{
			name:        "Success",
			username:    "alice",
			password:    "password123",
			expectError: false,
		},
		{
			name:        "EmptyUsername",
			username:    "",
			password:    "password123",
			expectError: true,
		},
		{
			name:        "EmptyPassword",
			username:    "bob",
			password:    "",
			expectError: true,
		},
		{
			name:        "DuplicateUsername",
			username:    "alice",
			password:    "newpass",
			expectError: true,
		},
		{
			name:        "LongUsername",
			username:    strings.Repeat("a", 1000),
			password:    "password123",
			expectError: true,
		},
		{
			name:        "LongPassword",
			username:    "carol",
			password:    strings.Repeat("p", 73),
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s, store := newTestService()

			// For duplicate test, ensure the user exists first
			if tt.name == "DuplicateUsername" {
				if _, err := s.Register(ctx, "alice", "password123"); err != nil {
					t.Fatalf("Failed to create user for duplicate test: %v", err)
				}
			}

			user, err := s.Register(ctx, tt.username, tt.password)
			if tt.expectError {
				if err == nil {
					t.Errorf("expected error, got nil")
				}
				if tt.name == "DuplicateUsername" && !errors.Is(err, db.ErrUsernameTaken) {
					t.Errorf("expected ErrUsernameTaken, got %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if user.Username != tt.username {
				t.Errorf("expected username %q, got %q", tt.username, user.Username)
			}
			stored, err := store.GetUserByUsername(ctx, tt.username)
			if err != nil {
				t.Fatalf("user not stored: %v", err)
			}
			if err := bcrypt.CompareHashAndPassword([]byte(stored.PasswordHash), []byte(tt.password)); err != nil {
				t.Errorf("password hash mismatch")
			}
		})
	}
}

func TestAuthService_Login(t *testing.T) {
	s, _ := newTestService()
	if _, err := s.Register(context.Background(), "alice", "password123"); err != nil {
		t.Fatalf("register: %v", err)
	}

	tests := []struct {
		name        string
		username    string
		password    string
		expectError bool
	}{
		{
			name:        "Success",
			username:    "alice",
			password:    "password123",
			expectError: false,
		},
		{
			name:        "WrongPassword",
			username:    "alice",
			password:    "wrongpass",
			expectError: true,
		},
		{
			name:        "NonExistentUser",
			username:    "bob",
			password:    "password123",
			expectError: true,
		},
		{
			name:        "LongPassword",
			username:    "alice",
			password:    strings.Repeat("p", 1000),
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := s.Login(context.Background(), tt.username, tt.password)
			if tt.expectError {
				if !errors.Is(err, ErrInvalidCredentials) {
					t.Errorf("expected ErrInvalidCredentials, got %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			parsed, err := jwt.Parse(token, func(token *jwt.Token) (interface{}, error) {
				return []byte(testSecret), nil
			})
			if err != nil {
				t.Errorf("invalid token: %v", err)
				return
			}
			claims, ok := parsed.Claims.(jwt.MapClaims)
			if !ok || claims["username"] != "alice" {
				t.Errorf("invalid token claims")
			}
		})
	}
}

func TestAuthService_GetUserFromToken(t *testing.T) {
	s, _ := newTestService()
	if _, err := s.Register(context.Background(), "alice", "password123"); err != nil {
		t.Fatalf("register: %v", err)
	}
	token, err := s.Login(context.Background(), "alice", "password123")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	expiredToken := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id":  float64(1),
		"username": "alice",
		"exp":      time.Now().Add(-time.Hour).Unix(),
	})
	expiredTokenStr, _ := expiredToken.SignedString([]byte(testSecret))
	invalidToken, _ := expiredToken.SignedString([]byte("wrong-key"))
	noUser, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	noneAlg, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"user_id": float64(1),
		"exp":     time.Now().Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name         string
		token        string
		expectUserID int64
		expectError  bool
	}{
		{
			name:         "Success",
			token:        token,
			expectUserID: 1,
			expectError:  false,
		},
		{
			name:        "ExpiredToken",
			token:       expiredTokenStr,
			expectError: true,
		},
		{
			name:        "InvalidSignature",
			token:       invalidToken,
			expectError: true,
		},
		{
			name:        "MissingUserID",
			token:       noUser,
			expectError: true,
		},
		{
			name:        "UnsignedToken",
			token:       noneAlg,
			expectError: true,
		},
		{
			name:        "EmptyToken",
			token:       "",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			userID, err := s.GetUserFromToken(tt.token)
			if tt.expectError {
				if !errors.Is(err, ErrInvalidToken) {
					t.Errorf("expected ErrInvalidToken, got %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if userID != tt.expectUserID {
				t.Errorf("expected user ID %d, got %d", tt.expectUserID, userID)
			}
		})
	}
}
