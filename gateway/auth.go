package gateway

import (
	"context"
	"fmt"
	"log"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Shuffle-and-Sync/gamesync/config"
	"github.com/Shuffle-and-Sync/gamesync/store"
)

// CustomClaims is the JWT claim set the platform issues. The subject is
// the authenticated userId handed to the coordinator; the 'jti' from
// RegisteredClaims drives revocation checks.
type CustomClaims struct {
	Scopes []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// JWTValidator handles JWT validation logic.
type JWTValidator struct {
	cfg   *config.AuthConfig
	store store.Store
}

// NewJWTValidator creates a new JWT validator.
func NewJWTValidator(cfg *config.AuthConfig, s store.Store) *JWTValidator {
	return &JWTValidator{cfg: cfg, store: s}
}

// ValidateToken parses and validates a JWT string. It checks the
// signature, standard claims (like expiration), and the revocation list
// in the shared store.
func (v *JWTValidator) ValidateToken(ctx context.Context, tokenString string) (*CustomClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(v.cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("token parse/validation error: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("token is invalid")
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok {
		return nil, fmt.Errorf("could not cast claims to CustomClaims")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token is missing a subject")
	}

	isRevoked, err := v.isTokenRevoked(ctx, claims.ID)
	if err != nil {
		// Fail open on a store blip so an outage doesn't lock everyone out.
		log.Printf("CRITICAL: Failed to check token revocation status: %v", err)
	}
	if isRevoked {
		return nil, fmt.Errorf("token has been revoked")
	}

	return claims, nil
}

// isTokenRevoked checks if a token ID (JTI) is on the revocation list.
func (v *JWTValidator) isTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if v.store == nil || jti == "" {
		if jti == "" {
			log.Println("Warning: JWT token is missing 'jti' claim, cannot check for revocation.")
		}
		return false, nil
	}

	key := fmt.Sprintf("%s:%s", v.cfg.RevocationListKey, jti)
	_, exists, err := v.store.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("store lookup failed: %w", err)
	}
	return exists, nil
}
