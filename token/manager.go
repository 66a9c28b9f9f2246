package token

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SigningMethod selects the JWT signature algorithm.
type SigningMethod string

const (
	// MethodEd25519 signs with EdDSA (default).
	MethodEd25519 SigningMethod = "ed25519"
	// MethodHS256 signs with HMAC-SHA256 using a shared secret.
	MethodHS256 SigningMethod = "hs256"
)

var (
	// ErrInvalid is returned for malformed or badly signed tokens, and for
	// refresh tokens presented where an access token is expected.
	ErrInvalid = errors.New("token invalid")
	// ErrExpired is returned for well-formed tokens past their expiry.
	ErrExpired = errors.New("token expired")
)

const refreshTokenType = "refresh"

// Config holds the signing material and TTLs for both token kinds.
type Config struct {
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	SigningMethod SigningMethod
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Leeway        time.Duration
}

// Manager signs and verifies access and refresh tokens. Immutable after
// construction; safe for concurrent use.
type Manager struct {
	config Config
}

// AccessClaims is the stateless claim set embedded in access tokens.
type AccessClaims struct {
	UID  string `json:"uid"`
	Name string `json:"name,omitempty"`
	Org  string `json:"org,omitempty"`
	Role string `json:"role"`
	SID  string `json:"sid"`
	jwt.RegisteredClaims
}

// RefreshClaims is the claim set of refresh tokens. Typ guards against an
// access token being replayed on the refresh endpoint and vice versa.
type RefreshClaims struct {
	UID string `json:"uid"`
	Org string `json:"org,omitempty"`
	SID string `json:"sid"`
	Typ string `json:"typ"`
	jwt.RegisteredClaims
}

// NewManager validates the config and returns a ready Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}

	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.PrivateKey) == 0 {
			return nil, errors.New("hs256 requires private key")
		}
	case MethodEd25519:
		if _, err := parseEdPrivateKey(cfg.PrivateKey); err != nil {
			return nil, err
		}
		if _, err := parseEdPublicKey(cfg.PublicKey); err != nil {
			return nil, err
		}
	default:
		return nil, errors.New("unsupported signing method")
	}

	return &Manager{config: cfg}, nil
}

// CreateAccess signs a short-lived access token for the principal.
func (m *Manager) CreateAccess(uid, name, org, role, sid string) (string, error) {
	now := time.Now()
	claims := AccessClaims{
		UID:  uid,
		Name: name,
		Org:  org,
		Role: role,
		SID:  sid,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.config.AccessTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    m.config.Issuer,
		},
	}

	return m.sign(jwt.NewWithClaims(m.method(), claims))
}

// CreateRefresh signs a refresh token bound to the session.
func (m *Manager) CreateRefresh(uid, org, sid string) (string, error) {
	now := time.Now()
	claims := RefreshClaims{
		UID: uid,
		Org: org,
		SID: sid,
		Typ: refreshTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.config.RefreshTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    m.config.Issuer,
		},
	}

	return m.sign(jwt.NewWithClaims(m.method(), claims))
}

// ParseAccess verifies signature, expiry, and issuer, and returns the claims.
func (m *Manager) ParseAccess(tokenStr string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := m.parse(tokenStr, claims, true); err != nil {
		return nil, err
	}
	if claims.SID == "" || claims.UID == "" {
		return nil, ErrInvalid
	}
	return claims, nil
}

// ParseAccessExpired verifies everything except expiry. Used by logout so a
// caller holding a just-expired token can still terminate its session.
func (m *Manager) ParseAccessExpired(tokenStr string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	err := m.parse(tokenStr, claims, true)
	if err != nil && !errors.Is(err, ErrExpired) {
		return nil, err
	}
	if claims.SID == "" || claims.UID == "" {
		return nil, ErrInvalid
	}
	return claims, nil
}

// ParseRefresh verifies a refresh token and its typ marker.
func (m *Manager) ParseRefresh(tokenStr string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := m.parse(tokenStr, claims, true); err != nil {
		return nil, err
	}
	if claims.Typ != refreshTokenType || claims.SID == "" || claims.UID == "" {
		return nil, ErrInvalid
	}
	return claims, nil
}

// Hash returns the SHA-256 of a token string. The session record stores this
// hash so refresh rotation can compare-and-swap without persisting tokens.
func Hash(tokenStr string) [32]byte {
	return sha256.Sum256([]byte(tokenStr))
}

func (m *Manager) parse(tokenStr string, claims jwt.Claims, withExpiry bool) error {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.method().Alg()}),
	}
	if m.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(m.config.Leeway))
	}
	if m.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(m.config.Issuer))
	}
	if !withExpiry {
		options = append(options, jwt.WithoutClaimsValidation())
	}

	parser := jwt.NewParser(options...)
	parsed, err := parser.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != m.method().Alg() {
			return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
		}
		return m.verifyKey()
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrExpired
		}
		return ErrInvalid
	}
	if !parsed.Valid {
		return ErrInvalid
	}
	return nil
}

func (m *Manager) sign(tok *jwt.Token) (string, error) {
	key, err := m.signKey()
	if err != nil {
		return "", err
	}
	return tok.SignedString(key)
}

func (m *Manager) method() jwt.SigningMethod {
	if m.config.SigningMethod == MethodHS256 {
		return jwt.SigningMethodHS256
	}
	return jwt.SigningMethodEdDSA
}

func (m *Manager) signKey() (interface{}, error) {
	if m.config.SigningMethod == MethodHS256 {
		return m.config.PrivateKey, nil
	}
	return parseEdPrivateKey(m.config.PrivateKey)
}

func (m *Manager) verifyKey() (interface{}, error) {
	if m.config.SigningMethod == MethodHS256 {
		return m.config.PrivateKey, nil
	}
	return parseEdPublicKey(m.config.PublicKey)
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("invalid ed25519 private key type")
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid ed25519 public key type")
	}
	return edKey, nil
}
