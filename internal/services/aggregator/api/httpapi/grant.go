package httpapi

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/louisbranch/collate/internal/platform/errors"
)

// ingestGrantEnv holds raw env values before post-parse validation.
type ingestGrantEnv struct {
	Issuer    string `env:"COLLATE_INGEST_GRANT_ISSUER"`
	Audience  string `env:"COLLATE_INGEST_GRANT_AUDIENCE"`
	PublicKey string `env:"COLLATE_INGEST_GRANT_PUBLIC_KEY"`
}

// IngestGrantConfig defines how ingest grants are verified.
type IngestGrantConfig struct {
	Issuer   string
	Audience string
	Key      ed25519.PublicKey
	Now      func() time.Time
}

// IngestGrantClaims captures validated ingest grant claims.
type IngestGrantClaims struct {
	Issuer    string
	Audience  []string
	Subject   string
	ExpiresAt time.Time
	NotBefore time.Time
	IssuedAt  time.Time
	JWTID     string
}

// ingestGrantClaims is the internal claims type used for JWT parsing.
type ingestGrantClaims struct {
	jwt.RegisteredClaims
}

// LoadIngestGrantConfigFromEnv reads ingest grant verification configuration.
func LoadIngestGrantConfigFromEnv(now func() time.Time) (IngestGrantConfig, error) {
	var raw ingestGrantEnv
	if err := env.Parse(&raw); err != nil {
		return IngestGrantConfig{}, fmt.Errorf("parse ingest grant env: %w", err)
	}
	issuer := strings.TrimSpace(raw.Issuer)
	audience := strings.TrimSpace(raw.Audience)
	publicKey := strings.TrimSpace(raw.PublicKey)
	if issuer == "" {
		return IngestGrantConfig{}, fmt.Errorf("COLLATE_INGEST_GRANT_ISSUER is required")
	}
	if audience == "" {
		return IngestGrantConfig{}, fmt.Errorf("COLLATE_INGEST_GRANT_AUDIENCE is required")
	}
	if publicKey == "" {
		return IngestGrantConfig{}, fmt.Errorf("COLLATE_INGEST_GRANT_PUBLIC_KEY is required")
	}
	keyBytes, err := decodeBase64(publicKey)
	if err != nil {
		return IngestGrantConfig{}, fmt.Errorf("decode ingest grant public key: %w", err)
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return IngestGrantConfig{}, fmt.Errorf("ingest grant public key must be %d bytes", ed25519.PublicKeySize)
	}
	if now == nil {
		now = time.Now
	}
	return IngestGrantConfig{
		Issuer:   issuer,
		Audience: audience,
		Key:      ed25519.PublicKey(keyBytes),
		Now:      now,
	}, nil
}

// VerifyIngestGrant verifies an ingest grant token against the configured
// issuer, audience, and signing key.
func VerifyIngestGrant(grant string, cfg IngestGrantConfig) (IngestGrantClaims, error) {
	grant = strings.TrimSpace(grant)
	if grant == "" {
		return IngestGrantClaims{}, apperrors.New(apperrors.CodeIngestGrantInvalid, "ingest grant is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Issuer == "" || cfg.Audience == "" || len(cfg.Key) != ed25519.PublicKeySize {
		return IngestGrantClaims{}, errors.New("ingest grant verifier is not configured")
	}

	var parsed ingestGrantClaims
	_, err := jwt.ParseWithClaims(grant, &parsed, func(token *jwt.Token) (any, error) {
		return cfg.Key, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return IngestGrantClaims{}, mapJWTError(err)
	}

	if parsed.Issuer == "" || parsed.Issuer != cfg.Issuer {
		return IngestGrantClaims{}, apperrors.WithMetadata(
			apperrors.CodeIngestGrantInvalid,
			"ingest grant issuer mismatch",
			map[string]string{"Field": "issuer"},
		)
	}
	if !audienceContains(parsed.Audience, cfg.Audience) {
		return IngestGrantClaims{}, apperrors.WithMetadata(
			apperrors.CodeIngestGrantInvalid,
			"ingest grant audience mismatch",
			map[string]string{"Field": "audience"},
		)
	}

	if parsed.ID == "" {
		return IngestGrantClaims{}, apperrors.New(apperrors.CodeIngestGrantInvalid, "ingest grant jti is required")
	}
	if parsed.ExpiresAt == nil {
		return IngestGrantClaims{}, apperrors.New(apperrors.CodeIngestGrantInvalid, "ingest grant exp is required")
	}

	now := cfg.Now().UTC()
	exp := parsed.ExpiresAt.Time.UTC()
	if !exp.After(now) {
		return IngestGrantClaims{}, apperrors.New(apperrors.CodeIngestGrantExpired, "ingest grant is expired")
	}
	if parsed.NotBefore != nil {
		nbf := parsed.NotBefore.Time.UTC()
		if now.Before(nbf) {
			return IngestGrantClaims{}, apperrors.New(apperrors.CodeIngestGrantInvalid, "ingest grant not active yet")
		}
	}

	claims := IngestGrantClaims{
		Issuer:    parsed.Issuer,
		Audience:  []string(parsed.Audience),
		Subject:   parsed.Subject,
		ExpiresAt: exp,
		JWTID:     parsed.ID,
	}
	if parsed.NotBefore != nil {
		claims.NotBefore = parsed.NotBefore.Time.UTC()
	}
	if parsed.IssuedAt != nil {
		claims.IssuedAt = parsed.IssuedAt.Time.UTC()
	}
	return claims, nil
}

// mapJWTError translates jwt library errors to application errors.
func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrEd25519Verification) {
		return apperrors.New(apperrors.CodeIngestGrantInvalid, "ingest grant signature is invalid")
	}
	if errors.Is(err, jwt.ErrTokenUnverifiable) {
		return apperrors.New(apperrors.CodeIngestGrantInvalid, "ingest grant alg is invalid")
	}
	return apperrors.New(apperrors.CodeIngestGrantInvalid, "ingest grant is invalid")
}

// audienceContains reports whether the audience list contains the given value.
func audienceContains(aud jwt.ClaimStrings, value string) bool {
	for _, item := range aud {
		if item == value {
			return true
		}
	}
	return false
}

func decodeBase64(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("empty base64 value")
	}
	decoded, err := base64.RawStdEncoding.DecodeString(value)
	if err == nil {
		return decoded, nil
	}
	return base64.StdEncoding.DecodeString(value)
}
