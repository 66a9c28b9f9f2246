package authgate

import (
	"context"
	"encoding/base32"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const testUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/126.0 Safari/537.36"

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Token.SigningMethod = "hs256"
	cfg.Token.PrivateKey = []byte("unit-test-signing-secret")
	cfg.RateLimit.Enabled = false
	cfg.Session.SweepInterval = 0
	cfg.RateLimit.SweepInterval = 0
	return cfg
}

func newTestEngine(t *testing.T, mutate func(*Config)) (*Engine, *redis.Client, *memDirectory) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	directory := newMemDirectory()
	directory.put(Principal{ID: "u-alice", Username: "alice", Role: RoleStudent, OrgID: "org-1"})
	directory.put(Principal{ID: "u-bob", Username: "bob", Role: RoleInstructor, OrgID: "org-1"})
	directory.put(Principal{ID: "u-carol", Username: "carol", Role: RoleStaff, OrgID: "org-1"})
	directory.put(Principal{ID: "u-root", Username: "root", Role: RoleAdmin, OrgID: "org-1"})

	engine, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithUserDirectory(directory).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)

	return engine, rdb, directory
}

func testCtx(ip string) context.Context {
	ctx := WithClientIP(context.Background(), ip)
	return WithUserAgent(ctx, testUA)
}

func codeForNow(t *testing.T, secretBase32 string, cfg MFAConfig) string {
	t.Helper()

	secret, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(secretBase32)
	if err != nil {
		t.Fatalf("decode secret: %v", err)
	}
	counter := time.Now().Unix() / int64(cfg.Period)
	code, err := hotpCode(secret, counter, cfg.Digits, cfg.Algorithm)
	if err != nil {
		t.Fatalf("hotpCode: %v", err)
	}
	return code
}

// memDirectory is the in-memory UserDirectory used across engine tests.
type memDirectory struct {
	mu         sync.RWMutex
	principals map[string]Principal
	totp       map[string]*TOTPRecord
	backup     map[string][]BackupCodeRecord
	contacts   map[string]string
}

func newMemDirectory() *memDirectory {
	return &memDirectory{
		principals: make(map[string]Principal),
		totp:       make(map[string]*TOTPRecord),
		backup:     make(map[string][]BackupCodeRecord),
		contacts:   make(map[string]string),
	}
}

func (d *memDirectory) put(p Principal) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.principals[p.ID] = p
}

func (d *memDirectory) GetPrincipal(_ context.Context, userID string) (Principal, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.principals[userID]
	if !ok {
		return Principal{}, fmt.Errorf("user %s not found", userID)
	}
	return p, nil
}

func (d *memDirectory) GetTOTPSecret(_ context.Context, userID string) (*TOTPRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.totp[userID]
	if !ok {
		return nil, fmt.Errorf("totp not configured")
	}
	cp := *rec
	return &cp, nil
}

func (d *memDirectory) EnableTOTP(_ context.Context, userID string, secret []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.totp[userID] = &TOTPRecord{Secret: secret, Enabled: true}
	return nil
}

func (d *memDirectory) MarkTOTPVerified(_ context.Context, userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rec, ok := d.totp[userID]; ok {
		rec.Verified = true
	}
	return nil
}

func (d *memDirectory) UpdateTOTPLastUsedCounter(_ context.Context, userID string, counter int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rec, ok := d.totp[userID]; ok {
		rec.LastUsedCounter = counter
	}
	return nil
}

func (d *memDirectory) GetBackupCodes(_ context.Context, userID string) ([]BackupCodeRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.backup[userID], nil
}

func (d *memDirectory) ReplaceBackupCodes(_ context.Context, userID string, codes []BackupCodeRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.backup[userID] = codes
	return nil
}

func (d *memDirectory) ConsumeBackupCode(_ context.Context, userID string, codeHash [32]byte) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	codes := d.backup[userID]
	for i, c := range codes {
		if c.Hash == codeHash {
			d.backup[userID] = append(codes[:i], codes[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (d *memDirectory) ContactAddress(_ context.Context, userID, channel string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	addr, ok := d.contacts[userID+"/"+channel]
	if !ok {
		return "", fmt.Errorf("no %s contact for %s", channel, userID)
	}
	return addr, nil
}
