package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

const sessionFormatVersion = 1

// Encode serializes a session to the compact binary wire format stored in
// Redis. SessionID is the key, not part of the blob.
func Encode(s *Session) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(sessionFormatVersion)

	for _, field := range []struct {
		name  string
		value string
	}{
		{"userID", s.UserID},
		{"orgID", s.OrgID},
		{"role", s.Role},
		{"ipAddress", s.IPAddress},
		{"fingerprint", s.Fingerprint},
	} {
		if len(field.value) > 255 {
			return nil, errors.New(field.name + " too long")
		}
		buf.WriteByte(byte(len(field.value)))
		buf.WriteString(field.value)
	}

	buf.WriteByte(s.SecurityLevel)
	if s.MFAVerified {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}

	buf.Write(s.RefreshHash[:])

	for _, ts := range []int64{s.CreatedAt, s.LastActivity, s.ExpiresAt} {
		if err := binary.Write(&buf, binary.BigEndian, ts); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

// Decode parses a binary session blob. The caller assigns SessionID from the
// Redis key.
func Decode(data []byte) (*Session, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != sessionFormatVersion {
		return nil, errors.New("invalid session version")
	}

	s := &Session{}
	for _, dst := range []*string{&s.UserID, &s.OrgID, &s.Role, &s.IPAddress, &s.Fingerprint} {
		length, err := reader.ReadByte()
		if err != nil {
			return nil, err
		}
		raw := make([]byte, length)
		if _, err := io.ReadFull(reader, raw); err != nil {
			return nil, err
		}
		*dst = string(raw)
	}

	level, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	s.SecurityLevel = level

	verified, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	s.MFAVerified = verified == 1

	if _, err := io.ReadFull(reader, s.RefreshHash[:]); err != nil {
		return nil, err
	}

	for _, dst := range []*int64{&s.CreatedAt, &s.LastActivity, &s.ExpiresAt} {
		if err := binary.Read(reader, binary.BigEndian, dst); err != nil {
			return nil, err
		}
	}

	return s, nil
}
