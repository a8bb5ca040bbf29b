package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultIssuer is used when the configuration names none.
const DefaultIssuer = "research-orchestrator"

// JWTManager handles JWT token operations
type JWTManager struct {
	signingKey        []byte
	accessTokenExpiry time.Duration
	issuer            string
	now               func() time.Time
}

// NewJWTManager creates a new JWT manager
func NewJWTManager(signingKey, issuer string, accessExpiry time.Duration) *JWTManager {
	if issuer == "" {
		issuer = DefaultIssuer
	}
	if accessExpiry <= 0 {
		accessExpiry = time.Hour
	}
	return &JWTManager{
		signingKey:        []byte(signingKey),
		accessTokenExpiry: accessExpiry,
		issuer:            issuer,
		now:               time.Now,
	}
}

// CustomClaims represents the custom JWT claims
type CustomClaims struct {
	jwt.RegisteredClaims
	Username string   `json:"username"`
	Role     string   `json:"role"`
	Scopes   []string `json:"scopes"`
}

// GenerateToken signs an HS256 access token for subject.
func (j *JWTManager) GenerateToken(subject, username, role string) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("subject is required")
	}
	now := j.now()
	claims := CustomClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    j.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.accessTokenExpiry)),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
		Username: username,
		Role:     role,
		Scopes:   ScopesForRole(role),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(j.signingKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateAccessToken validates and parses a JWT access token
func (j *JWTManager) ValidateAccessToken(tokenString string) (*UserContext, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.signingKey, nil
	}, jwt.WithTimeFunc(j.now))

	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}

	if claims.Issuer != j.issuer {
		return nil, fmt.Errorf("invalid token issuer")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}

	scopes := claims.Scopes
	if len(scopes) == 0 {
		scopes = ScopesForRole(claims.Role)
	}

	return &UserContext{
		Subject:   claims.Subject,
		Username:  claims.Username,
		Role:      claims.Role,
		Scopes:    scopes,
		TokenType: "jwt",
	}, nil
}

// ScopesForRole returns the default scopes for a given role
func ScopesForRole(role string) []string {
	switch role {
	case RoleViewer:
		return []string{ScopeResearchRead}
	default: // RoleUser, RoleAdmin
		return []string{ScopeResearchRead, ScopeResearchWrite}
	}
}

// ExtractBearerToken extracts the token from Authorization header
func ExtractBearerToken(authHeader string) (string, error) {
	if len(authHeader) < 7 || !strings.EqualFold(authHeader[:7], "Bearer ") {
		return "", fmt.Errorf("invalid authorization header format")
	}
	token := strings.TrimSpace(authHeader[7:])
	if token == "" {
		return "", fmt.Errorf("empty bearer token")
	}
	return token, nil
}
