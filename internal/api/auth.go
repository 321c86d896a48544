package api

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"botcore/pkg/apperr"
	"botcore/pkg/db"
)

// Token types carried in the "typ" claim.
const (
	tokenAccess  = "access"
	tokenRefresh = "refresh"
)

var ErrInvalidToken = errors.New("invalid token")

// Auth issues and verifies the JWT pair and owns user registration.
type Auth struct {
	store      *db.Database
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func NewAuth(store *db.Database, secret string, accessTTL, refreshTTL time.Duration) *Auth {
	return &Auth{
		store:      store,
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}
}

// TokenPair is the login/register/refresh response body.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"` // access token lifetime, seconds
}

type authClaims struct {
	Type string `json:"typ"`
	jwt.RegisteredClaims
}

// Register creates a user and returns a fresh token pair. Emails are unique;
// a duplicate registers as a conflict.
func (a *Auth) Register(ctx context.Context, email, password string) (*db.User, *TokenPair, error) {
	if email == "" || password == "" {
		return nil, nil, apperr.New(apperr.KindValidation, "email and password are required")
	}
	if len(password) < 8 {
		return nil, nil, apperr.New(apperr.KindValidation, "password must be at least 8 characters")
	}

	existing, err := a.store.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.KindInternal, "look up user", err)
	}
	if existing != nil {
		return nil, nil, apperr.New(apperr.KindConflict, "email already registered")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.KindInternal, "hash password", err)
	}
	user := db.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: string(hash),
		IsActive:     true,
		Timezone:     "UTC",
		Preferences:  "{}",
	}
	if err := a.store.CreateUser(ctx, user); err != nil {
		return nil, nil, apperr.Wrap(apperr.KindInternal, "create user", err)
	}

	pair, err := a.issuePair(user.ID)
	if err != nil {
		return nil, nil, err
	}
	return &user, pair, nil
}

// Login verifies credentials and returns a token pair. The same message
// covers unknown email and wrong password.
func (a *Auth) Login(ctx context.Context, email, password string) (*db.User, *TokenPair, error) {
	user, err := a.store.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.KindInternal, "look up user", err)
	}
	if user == nil {
		return nil, nil, apperr.New(apperr.KindAuth, "invalid email or password")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, nil, apperr.New(apperr.KindAuth, "invalid email or password")
	}
	if !user.IsActive {
		return nil, nil, apperr.New(apperr.KindAuth, "account is disabled")
	}

	pair, err := a.issuePair(user.ID)
	if err != nil {
		return nil, nil, err
	}
	return user, pair, nil
}

// Refresh rotates the pair from a valid refresh token.
func (a *Auth) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	userID, err := a.verify(refreshToken, tokenRefresh)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindAuth, "refresh token", err)
	}
	user, err := a.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "look up user", err)
	}
	if user == nil || !user.IsActive {
		return nil, apperr.New(apperr.KindAuth, "account is disabled")
	}
	return a.issuePair(userID)
}

// VerifyAccess validates an access token and returns the user id.
func (a *Auth) VerifyAccess(token string) (string, error) {
	return a.verify(token, tokenAccess)
}

func (a *Auth) issuePair(userID string) (*TokenPair, error) {
	access, err := a.sign(userID, tokenAccess, a.accessTTL)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "sign access token", err)
	}
	refresh, err := a.sign(userID, tokenRefresh, a.refreshTTL)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "sign refresh token", err)
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int64(a.accessTTL.Seconds()),
	}, nil
}

func (a *Auth) sign(userID, typ string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := authClaims{
		Type: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Auth) verify(token, wantType string) (string, error) {
	var claims authClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", ErrInvalidToken
	}
	if claims.Type != wantType || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
