package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const DefaultIssuer = "gatewarden"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrEmptySecret  = errors.New("signing secret is empty")
)

// TokenClaims are carried inside issued bearer tokens. The token id travels
// as the JWT ID; expiry is enforced from the persisted record, not the claims,
// so a refresh does not require a new credential.
type TokenClaims struct {
	Name   string   `json:"name"`
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

// Signer mints and verifies HS256 bearer tokens.
type Signer struct {
	secret []byte
	issuer string
}

func NewSigner(secret, issuer string) (*Signer, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	if issuer == "" {
		issuer = DefaultIssuer
	}
	return &Signer{secret: []byte(secret), issuer: issuer}, nil
}

func (s *Signer) Sign(tokenID, name string, scopes []string, issuedAt time.Time) (string, error) {
	claims := TokenClaims{
		Name:   name,
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       tokenID,
			IssuedAt: jwt.NewNumericDate(issuedAt),
			Issuer:   s.issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify checks signature, algorithm and issuer.
func (s *Signer) Verify(tokenStr string) (*TokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*TokenClaims)
	if !ok || !token.Valid || claims.ID == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// HashToken returns the hex SHA256 digest used to look a token up without
// storing the credential itself.
func HashToken(raw string) string {
	hash := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(hash[:])
}

// GenerateSecret returns 256 bits of random data, base64 encoded. Only used
// when dev mode allows an ephemeral signing secret.
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashAdminKey bcrypt-hashes an admin API key for configuration.
func HashAdminKey(key string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	return string(bytes), err
}

func CheckAdminKey(key, hash string) bool {
	if key == "" || hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}
