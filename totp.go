package authgate

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// 160-bit secrets, the RFC 4226 recommended minimum.
const totpSecretBytes = 20

// totpManager generates and verifies time-based one-time passwords
// (RFC 6238). Secrets are raw bytes; the base32 form exists only for
// provisioning URIs and operator display.
type totpManager struct {
	config MFAConfig
}

func newTOTPManager(cfg MFAConfig) *totpManager {
	if cfg.Algorithm == "" {
		cfg.Algorithm = "SHA1"
	}
	if cfg.Digits == 0 {
		cfg.Digits = 6
	}
	if cfg.Period == 0 {
		cfg.Period = 30
	}
	return &totpManager{config: cfg}
}

func (m *totpManager) GenerateSecret() ([]byte, string, error) {
	if m == nil {
		return nil, "", ErrEngineNotReady
	}

	raw := make([]byte, totpSecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", err
	}
	encoded := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw)
	return raw, encoded, nil
}

// ProvisionURI builds the otpauth:// URI that authenticator apps consume,
// labeled issuer:account.
func (m *totpManager) ProvisionURI(secretBase32, account string) string {
	q := url.Values{}
	q.Set("secret", secretBase32)
	q.Set("issuer", m.config.Issuer)
	q.Set("period", strconv.Itoa(m.config.Period))
	q.Set("digits", strconv.Itoa(m.config.Digits))
	q.Set("algorithm", strings.ToUpper(m.config.Algorithm))

	label := url.PathEscape(m.config.Issuer + ":" + account)
	return "otpauth://totp/" + label + "?" + q.Encode()
}

// VerifyCode checks the submitted code against the current time step and the
// configured skew on either side. The returned counter is the matched step;
// callers persist it to reject replays inside the same step.
func (m *totpManager) VerifyCode(secret []byte, code string, now time.Time) (bool, int64, error) {
	if m == nil {
		return false, 0, ErrEngineNotReady
	}

	submitted := strings.TrimSpace(code)
	if len(submitted) != m.config.Digits || !isNumericString(submitted) {
		return false, 0, nil
	}
	if len(secret) == 0 {
		return false, 0, errors.New("empty totp secret")
	}

	current := now.Unix() / int64(m.config.Period)
	for offset := -m.config.Skew; offset <= m.config.Skew; offset++ {
		counter := current + int64(offset)
		if counter < 0 {
			continue
		}
		want, err := hotpCode(secret, counter, m.config.Digits, m.config.Algorithm)
		if err != nil {
			return false, 0, err
		}
		if subtle.ConstantTimeCompare([]byte(want), []byte(submitted)) == 1 {
			return true, counter, nil
		}
	}
	return false, 0, nil
}

// hotpCode computes one RFC 4226 HOTP value for the given counter.
func hotpCode(secret []byte, counter int64, digits int, algorithm string) (string, error) {
	newHash, err := hashForAlgorithm(algorithm)
	if err != nil {
		return "", err
	}

	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(counter))
	mac := hmac.New(newHash, secret)
	_, _ = mac.Write(msg[:])
	digest := mac.Sum(nil)

	// Dynamic truncation: the low nibble of the last byte picks a 31-bit
	// window into the digest.
	pos := digest[len(digest)-1] & 0x0f
	truncated := binary.BigEndian.Uint32(digest[pos:pos+4]) & 0x7fffffff

	mod := uint32(1)
	for i := 0; i < digits; i++ {
		mod *= 10
	}
	return fmt.Sprintf("%0*d", digits, truncated%mod), nil
}

func hashForAlgorithm(algorithm string) (func() hash.Hash, error) {
	switch strings.ToUpper(algorithm) {
	case "", "SHA1":
		return sha1.New, nil
	case "SHA256":
		return sha256.New, nil
	case "SHA512":
		return sha512.New, nil
	default:
		return nil, errors.New("unsupported totp algorithm")
	}
}

func isNumericString(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
