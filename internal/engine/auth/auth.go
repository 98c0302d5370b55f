package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"gigflow/internal/domain"
	"gigflow/internal/repo"
)

const minPasswordLen = 6

// ForbiddenError indicates the actor may not act on the resource.
type ForbiddenError struct {
	Action   string
	Resource string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("not authorized to %s %s", e.Action, e.Resource)
}

func (e ForbiddenError) Is(target error) bool { return target == domain.ErrForbidden }

// Tokens signs and verifies HS256 session tokens whose subject is the user id.
type Tokens struct {
	Secret string
	TTL    time.Duration
	Now    func() time.Time
}

type Claims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
}

func (t Tokens) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

func (t Tokens) Issue(u domain.User) (string, time.Time, error) {
	if strings.TrimSpace(t.Secret) == "" {
		return "", time.Time{}, errors.New("jwt secret not configured")
	}
	ttl := t.TTL
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	now := t.now()
	exp := now.Add(ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Name: u.Name,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(t.Secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

func (t Tokens) Parse(token string) (Claims, error) {
	if strings.TrimSpace(t.Secret) == "" {
		return Claims{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.now),
	)
	claims := Claims{}
	parsed, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return []byte(t.Secret), nil
	})
	if err != nil {
		return Claims{}, err
	}
	if !parsed.Valid {
		return Claims{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Claims{}, errors.New("subject claim required")
	}
	return claims, nil
}

// Service registers and authenticates users.
type Service struct {
	Repo   repo.Repo
	Tokens Tokens
	Now    func() time.Time
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Service) Register(ctx context.Context, name, email, password string) (domain.User, error) {
	name = strings.TrimSpace(name)
	email = repo.NormalizeEmail(email)
	if name == "" {
		return domain.User{}, fmt.Errorf("name is required: %w", domain.ErrValidation)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return domain.User{}, fmt.Errorf("invalid email: %w", domain.ErrValidation)
	}
	if len(password) < minPasswordLen {
		return domain.User{}, fmt.Errorf("password must be at least %d characters: %w", minPasswordLen, domain.ErrValidation)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return domain.User{}, fmt.Errorf("hash password: %w", err)
	}
	u := domain.User{
		ID:           uuid.NewString(),
		Name:         name,
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    s.now().UTC().Format(time.RFC3339),
	}
	if err := s.Repo.InsertUser(ctx, u); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return domain.User{}, fmt.Errorf("user already exists with this email: %w", domain.ErrConflict)
		}
		return domain.User{}, err
	}
	return u, nil
}

// Login checks credentials. Unknown email and wrong password are
// indistinguishable to the caller.
func (s Service) Login(ctx context.Context, email, password string) (domain.User, error) {
	if strings.TrimSpace(email) == "" || password == "" {
		return domain.User{}, fmt.Errorf("email and password are required: %w", domain.ErrValidation)
	}
	u, err := s.Repo.GetUserByEmail(ctx, email)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.User{}, fmt.Errorf("invalid credentials: %w", domain.ErrUnauthorized)
	}
	if err != nil {
		return domain.User{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return domain.User{}, fmt.Errorf("invalid credentials: %w", domain.ErrUnauthorized)
	}
	return u, nil
}

func (s Service) User(ctx context.Context, id string) (domain.User, error) {
	return s.Repo.GetUser(ctx, id)
}
