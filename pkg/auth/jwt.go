package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrExpiredToken     = errors.New("token has expired")
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrMissingToken     = errors.New("missing authentication token")
	ErrInvalidClaims    = errors.New("invalid token claims")
)

// Claims represents the JWT claims
type Claims struct {
	UserID string   `json:"sub"`
	Email  string   `json:"email,omitempty"`
	Roles  []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	SigningMethod string // RS256 or HS256
	PublicKey     string // PEM, for RS256
	PrivateKey    string // PEM, for RS256 token generation
	SecretKey     string // for HS256
	Issuer        string
	Audience      []string
	// TTL of generated tokens; zero means one hour
	TTL time.Duration
}

// JWTValidator validates tokens and, when it holds a signing key, issues them
type JWTValidator struct {
	method     jwt.SigningMethod
	publicKey  *rsa.PublicKey
	privateKey *rsa.PrivateKey
	secretKey  []byte
	issuer     string
	audience   []string
	ttl        time.Duration
}

// NewJWTValidator creates a new JWT validator
func NewJWTValidator(cfg JWTConfig) (*JWTValidator, error) {
	v := &JWTValidator{
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		ttl:      cfg.TTL,
	}
	if v.ttl == 0 {
		v.ttl = time.Hour
	}

	switch cfg.SigningMethod {
	case "RS256":
		v.method = jwt.SigningMethodRS256
		if cfg.PublicKey == "" {
			return nil, errors.New("public key required for RS256")
		}
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.PublicKey))
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		v.publicKey = key
		if cfg.PrivateKey != "" {
			priv, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(cfg.PrivateKey))
			if err != nil {
				return nil, fmt.Errorf("failed to parse private key: %w", err)
			}
			v.privateKey = priv
		}
	case "HS256", "":
		v.method = jwt.SigningMethodHS256
		if cfg.SecretKey == "" {
			return nil, errors.New("secret key required for HS256")
		}
		v.secretKey = []byte(cfg.SecretKey)
	default:
		return nil, fmt.Errorf("unsupported signing method: %s", cfg.SigningMethod)
	}

	return v, nil
}

// ValidateToken validates a JWT token and returns the claims
func (v *JWTValidator) ValidateToken(tokenString string) (*Claims, error) {
	tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{v.method.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if v.publicKey != nil {
			return v.publicKey, nil
		}
		return v.secretKey, nil
	}, opts...)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpiredToken
		case errors.Is(err, jwt.ErrSignatureInvalid):
			return nil, ErrInvalidSignature
		case errors.Is(err, jwt.ErrTokenInvalidIssuer):
			return nil, fmt.Errorf("%w: invalid issuer", ErrInvalidClaims)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidClaims
	}
	if len(v.audience) > 0 && !slices.ContainsFunc(v.audience, func(aud string) bool {
		return slices.Contains(claims.Audience, aud)
	}) {
		return nil, fmt.Errorf("%w: invalid audience", ErrInvalidClaims)
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing user ID", ErrInvalidClaims)
	}

	return claims, nil
}

// GenerateToken issues a token for userID. It needs the HS256 secret or the
// RS256 private key.
func (v *JWTValidator) GenerateToken(userID, email string, roles []string) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: userID,
		Email:  email,
		Roles:  roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   userID,
			Audience:  v.audience,
			ExpiresAt: jwt.NewNumericDate(now.Add(v.ttl)),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}

	var key interface{} = v.secretKey
	if v.method == jwt.SigningMethodRS256 {
		if v.privateKey == nil {
			return "", errors.New("private key required to sign RS256 tokens")
		}
		key = v.privateKey
	}
	return jwt.NewWithClaims(v.method, claims).SignedString(key)
}

// UserContext represents user information from JWT
type UserContext struct {
	UserID string
	Email  string
	Roles  []string
}

// HasRole reports whether the user holds any of roles
func (u *UserContext) HasRole(roles ...string) bool {
	for _, r := range roles {
		if slices.Contains(u.Roles, r) {
			return true
		}
	}
	return false
}

type contextKey string

const userContextKey contextKey = "user"

// GetUserFromContext extracts user from context
func GetUserFromContext(ctx context.Context) (*UserContext, error) {
	user, ok := ctx.Value(userContextKey).(*UserContext)
	if !ok || user == nil {
		return nil, errors.New("user not found in context")
	}
	return user, nil
}

// SetUserInContext adds user to context
func SetUserInContext(ctx context.Context, user *UserContext) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}
