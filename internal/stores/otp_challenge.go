package stores

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	otpChallengeVersion1 = 1

	casRetries = 4
)

var (
	ErrChallengeNotFound = errors.New("mfa challenge not found")
	ErrChallengeExpired  = errors.New("mfa challenge expired")
	ErrChallengeExceeded = errors.New("mfa challenge attempts exceeded")
	ErrChallengeMismatch = errors.New("mfa challenge code mismatch")
	ErrChallengeBackend  = errors.New("mfa challenge backend unavailable")
)

// OTPChallenge is a pending out-of-band verification: an email/SMS code that
// was sent, or a TOTP gate awaiting the authenticator code. Only the SHA-256
// digest of a sent code is persisted; TOTP challenges carry a zero digest
// because the expected code is derived at verification time.
type OTPChallenge struct {
	UserID    string
	OrgID     string
	Method    string
	CodeHash  [32]byte
	Attempts  uint16
	ExpiresAt int64
}

// OTPChallengeStore persists pending challenges keyed by challenge ID.
type OTPChallengeStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewOTPChallengeStore(redisClient redis.UniversalClient, prefix string) *OTPChallengeStore {
	if prefix == "" {
		prefix = "amc"
	}
	return &OTPChallengeStore{redis: redisClient, prefix: prefix}
}

func (s *OTPChallengeStore) key(challengeID string) string {
	return s.prefix + ":" + challengeID
}

func (s *OTPChallengeStore) Save(
	ctx context.Context,
	challengeID string,
	record *OTPChallenge,
	ttl time.Duration,
) error {
	encoded, err := encodeOTPChallenge(record)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(challengeID), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}
	return nil
}

func (s *OTPChallengeStore) Get(ctx context.Context, challengeID string) (*OTPChallenge, error) {
	data, err := s.redis.Get(ctx, s.key(challengeID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrChallengeNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}

	record, err := decodeOTPChallenge(data)
	if err != nil {
		return nil, err
	}
	if time.Now().Unix() > record.ExpiresAt {
		_, _ = s.redis.Del(ctx, s.key(challengeID)).Result()
		return nil, ErrChallengeExpired
	}
	return record, nil
}

func (s *OTPChallengeStore) Delete(ctx context.Context, challengeID string) (bool, error) {
	n, err := s.redis.Del(ctx, s.key(challengeID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}
	return n > 0, nil
}

// Consume compares the submitted code digest against the stored one and,
// on match, deletes the challenge and returns its record. A mismatch counts
// one attempt; crossing maxAttempts deletes the challenge and returns
// ErrChallengeExceeded. The compare-and-update runs under WATCH so two
// concurrent submissions cannot both consume the challenge.
func (s *OTPChallengeStore) Consume(
	ctx context.Context,
	challengeID string,
	codeHash [32]byte,
	maxAttempts int,
) (*OTPChallenge, error) {
	key := s.key(challengeID)

	for i := 0; i < casRetries; i++ {
		var consumed *OTPChallenge
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			record, err := decodeOTPChallenge(data)
			if err != nil {
				return err
			}
			if time.Now().Unix() > record.ExpiresAt {
				if err := txDeleteChallenge(ctx, tx, key); err != nil {
					return err
				}
				return ErrChallengeExpired
			}

			if subtle.ConstantTimeCompare(codeHash[:], record.CodeHash[:]) == 1 {
				if err := txDeleteChallenge(ctx, tx, key); err != nil {
					return err
				}
				consumed = record
				return nil
			}

			record.Attempts++
			if int(record.Attempts) >= maxAttempts {
				if err := txDeleteChallenge(ctx, tx, key); err != nil {
					return err
				}
				return ErrChallengeExceeded
			}

			ttl := time.Until(time.Unix(record.ExpiresAt, 0))
			if ttl <= 0 {
				if err := txDeleteChallenge(ctx, tx, key); err != nil {
					return err
				}
				return ErrChallengeExpired
			}

			updated, err := encodeOTPChallenge(record)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, ttl)
				return nil
			})
			if err != nil {
				return err
			}
			return ErrChallengeMismatch
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil, ErrChallengeNotFound
			}
			if errors.Is(err, ErrChallengeExpired) ||
				errors.Is(err, ErrChallengeExceeded) ||
				errors.Is(err, ErrChallengeMismatch) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", ErrChallengeBackend, err)
		}
		return consumed, nil
	}

	return nil, ErrChallengeNotFound
}

// RecordFailure counts one failed attempt for challenges whose code is
// verified outside the store (TOTP). Returns true when the challenge was
// deleted because maxAttempts was reached.
func (s *OTPChallengeStore) RecordFailure(
	ctx context.Context,
	challengeID string,
	maxAttempts int,
) (bool, error) {
	key := s.key(challengeID)

	for i := 0; i < casRetries; i++ {
		var exceeded bool
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			record, err := decodeOTPChallenge(data)
			if err != nil {
				return err
			}
			if time.Now().Unix() > record.ExpiresAt {
				if err := txDeleteChallenge(ctx, tx, key); err != nil {
					return err
				}
				return ErrChallengeExpired
			}

			record.Attempts++
			if int(record.Attempts) >= maxAttempts {
				exceeded = true
				return txDeleteChallenge(ctx, tx, key)
			}

			ttl := time.Until(time.Unix(record.ExpiresAt, 0))
			if ttl <= 0 {
				if err := txDeleteChallenge(ctx, tx, key); err != nil {
					return err
				}
				return ErrChallengeExpired
			}

			updated, err := encodeOTPChallenge(record)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, ttl)
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return false, ErrChallengeNotFound
			}
			if errors.Is(err, ErrChallengeExpired) {
				return false, err
			}
			return false, fmt.Errorf("%w: %v", ErrChallengeBackend, err)
		}
		return exceeded, nil
	}

	return false, ErrChallengeNotFound
}

func txDeleteChallenge(ctx context.Context, tx *redis.Tx, key string) error {
	_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		return nil
	})
	return err
}

func encodeOTPChallenge(record *OTPChallenge) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(otpChallengeVersion1)

	if err := binary.Write(&buf, binary.BigEndian, record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}
	buf.Write(record.CodeHash[:])

	for _, field := range []string{record.UserID, record.OrgID, record.Method} {
		if len(field) > 65535 {
			return nil, errors.New("mfa challenge field length exceeded")
		}
		if err := binary.Write(&buf, binary.BigEndian, uint16(len(field))); err != nil {
			return nil, err
		}
		buf.WriteString(field)
	}

	return buf.Bytes(), nil
}

func decodeOTPChallenge(data []byte) (*OTPChallenge, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != otpChallengeVersion1 {
		return nil, errors.New("invalid mfa challenge version")
	}

	record := &OTPChallenge{}
	if err := binary.Read(reader, binary.BigEndian, &record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(reader, record.CodeHash[:]); err != nil {
		return nil, err
	}

	for _, field := range []*string{&record.UserID, &record.OrgID, &record.Method} {
		var n uint16
		if err := binary.Read(reader, binary.BigEndian, &n); err != nil {
			return nil, err
		}
		raw := make([]byte, n)
		if _, err := io.ReadFull(reader, raw); err != nil {
			return nil, err
		}
		*field = string(raw)
	}

	return record, nil
}
