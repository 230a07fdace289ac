package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "kioskpay"

var (
	// ErrTokenInvalid covers signature, expiry, and claim failures.
	ErrTokenInvalid = errors.New("invalid token")
)

// Claims carried by kioskpay bearer tokens.
type Claims struct {
	MachineID string `json:"mid"`
	jwt.RegisteredClaims
}

// TokenService mints and verifies RS256 bearer tokens. Verification accepts
// any key in the configured public-key set so the signing key can rotate
// without invalidating active tokens.
type TokenService struct {
	signingKey *rsa.PrivateKey
	publicKeys []*rsa.PublicKey
	ttl        time.Duration
	skew       time.Duration
}

// NewTokenService loads the signing key and verification key set from PEM files.
func NewTokenService(privateKeyPath string, publicKeyPaths []string, ttl, skew time.Duration) (*TokenService, error) {
	privPEM, err := os.ReadFile(privateKeyPath) // #nosec G304 -- operator-supplied key path
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	priv, err := jwt.ParseRSAPrivateKeyFromPEM(privPEM)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}

	var pubs []*rsa.PublicKey
	for _, path := range publicKeyPaths {
		pubPEM, err := os.ReadFile(path) // #nosec G304 -- operator-supplied key path
		if err != nil {
			return nil, fmt.Errorf("read public key %s: %w", path, err)
		}
		pub, err := jwt.ParseRSAPublicKeyFromPEM(pubPEM)
		if err != nil {
			return nil, fmt.Errorf("parse public key %s: %w", path, err)
		}
		pubs = append(pubs, pub)
	}
	if len(pubs) == 0 {
		return nil, errors.New("at least one public key is required")
	}

	return NewTokenServiceWithKeys(priv, pubs, ttl, skew), nil
}

// NewTokenServiceWithKeys builds a TokenService from in-memory keys.
func NewTokenServiceWithKeys(priv *rsa.PrivateKey, pubs []*rsa.PublicKey, ttl, skew time.Duration) *TokenService {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if skew < 0 {
		skew = 0
	}
	return &TokenService{signingKey: priv, publicKeys: pubs, ttl: ttl, skew: skew}
}

// TTL returns the configured token lifetime.
func (s *TokenService) TTL() time.Duration { return s.ttl }

// Mint issues a signed bearer token for the given client.
func (s *TokenService) Mint(clientID, machineID string) (string, error) {
	now := time.Now().UTC()
	claims := &Claims{
		MachineID: machineID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a bearer token, trying each accepted public key.
func (s *TokenService) Verify(raw string) (*Claims, error) {
	var lastErr error
	for _, pub := range s.publicKeys {
		claims := &Claims{}
		_, err := jwt.ParseWithClaims(raw, claims,
			func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
					return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
				}
				return pub, nil
			},
			jwt.WithValidMethods([]string{"RS256"}),
			jwt.WithIssuer(issuer),
			jwt.WithLeeway(s.skew),
			jwt.WithExpirationRequired(),
		)
		if err == nil {
			return claims, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = ErrTokenInvalid
	}
	return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, lastErr)
}
