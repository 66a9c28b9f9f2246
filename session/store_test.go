package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb, "ag"), mr
}

func testSession(sid string, refreshHash [32]byte) *Session {
	now := time.Now()
	return &Session{
		SessionID:     sid,
		UserID:        "u-1",
		OrgID:         "org-1",
		Role:          "student",
		IPAddress:     "10.0.0.1",
		Fingerprint:   "chrome/windows",
		SecurityLevel: 1,
		MFAVerified:   true,
		RefreshHash:   refreshHash,
		CreatedAt:     now.Unix(),
		LastActivity:  now.Unix(),
		ExpiresAt:     now.Add(time.Hour).Unix(),
	}
}

func TestSaveGetRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	var hash [32]byte
	hash[0] = 0xAB
	want := testSession("sid-1", hash)

	if err := store.Save(ctx, want, time.Hour); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.Get(ctx, "org-1", "sid-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if *got != *want {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, want)
	}
}

func TestGetMissingAndExpired(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Get(ctx, "org-1", "absent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	sess := testSession("sid-exp", [32]byte{})
	sess.ExpiresAt = time.Now().Add(-time.Minute).Unix()
	if err := store.Save(ctx, sess, time.Hour); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := store.Get(ctx, "org-1", "sid-exp"); !errors.Is(err, ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
}

func TestTouchAdvancesActivity(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	sess := testSession("sid-t", [32]byte{})
	sess.LastActivity = time.Now().Add(-10 * time.Minute).Unix()
	if err := store.Save(ctx, sess, time.Hour); err != nil {
		t.Fatalf("Save: %v", err)
	}

	now := time.Now()
	touched, err := store.Touch(ctx, "org-1", "sid-t", TouchPolicy{
		Now:         now,
		IdleTimeout: 30 * time.Minute,
	})
	if err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if touched.LastActivity != now.Unix() {
		t.Fatalf("LastActivity = %d, want %d", touched.LastActivity, now.Unix())
	}
	// Without the extension policy the expiry is untouched.
	if touched.ExpiresAt != sess.ExpiresAt {
		t.Fatalf("ExpiresAt changed: %d -> %d", sess.ExpiresAt, touched.ExpiresAt)
	}
}

func TestTouchBindingMismatchLeavesSessionUntouched(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	sess := testSession("sid-b", [32]byte{})
	aged := time.Now().Add(-10 * time.Minute).Unix()
	sess.LastActivity = aged
	if err := store.Save(ctx, sess, time.Hour); err != nil {
		t.Fatalf("Save: %v", err)
	}

	_, err := store.Touch(ctx, "org-1", "sid-b", TouchPolicy{
		IdleTimeout: 30 * time.Minute,
		BoundIP:     "203.0.113.9",
	})
	if !errors.Is(err, ErrIPBindingMismatch) {
		t.Fatalf("err = %v, want ErrIPBindingMismatch", err)
	}

	_, err = store.Touch(ctx, "org-1", "sid-b", TouchPolicy{
		IdleTimeout:      30 * time.Minute,
		BoundIP:          "10.0.0.1",
		BoundFingerprint: "firefox/linux",
	})
	if !errors.Is(err, ErrFingerprintMismatch) {
		t.Fatalf("err = %v, want ErrFingerprintMismatch", err)
	}

	// Neither rejection counted as activity.
	got, err := store.Get(ctx, "org-1", "sid-b")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.LastActivity != aged {
		t.Fatalf("rejected touch mutated session: LastActivity %d -> %d", aged, got.LastActivity)
	}

	// Matching bindings touch normally.
	touched, err := store.Touch(ctx, "org-1", "sid-b", TouchPolicy{
		IdleTimeout:      30 * time.Minute,
		BoundIP:          "10.0.0.1",
		BoundFingerprint: "chrome/windows",
	})
	if err != nil {
		t.Fatalf("Touch with matching bindings: %v", err)
	}
	if touched.LastActivity == aged {
		t.Fatal("matching touch did not advance activity")
	}
}

func TestTouchIdleDestroysSession(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	sess := testSession("sid-i", [32]byte{})
	sess.LastActivity = time.Now().Add(-time.Hour).Unix()
	if err := store.Save(ctx, sess, time.Hour); err != nil {
		t.Fatalf("Save: %v", err)
	}

	_, err := store.Touch(ctx, "org-1", "sid-i", TouchPolicy{IdleTimeout: 30 * time.Minute})
	if !errors.Is(err, ErrIdleExpired) {
		t.Fatalf("err = %v, want ErrIdleExpired", err)
	}

	if _, err := store.Get(ctx, "org-1", "sid-i"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("idle session not destroyed: %v", err)
	}
	ids, err := store.ActiveSessionIDs(ctx, "org-1", "u-1")
	if err != nil {
		t.Fatalf("ActiveSessionIDs: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("index not cleaned: %v", ids)
	}
}

func TestTouchExtendsNearExpiryCappedAtMaxLifetime(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	sess := testSession("sid-e", [32]byte{})
	sess.CreatedAt = now.Add(-3 * time.Hour).Unix()
	sess.ExpiresAt = now.Add(10 * time.Minute).Unix()
	if err := store.Save(ctx, sess, time.Hour); err != nil {
		t.Fatalf("Save: %v", err)
	}

	touched, err := store.Touch(ctx, "org-1", "sid-e", TouchPolicy{
		Now:         now,
		IdleTimeout: 30 * time.Minute,
		Extend:      true,
		ExtendGrace: 30 * time.Minute,
		Extension:   4 * time.Hour,
		MaxLifetime: 4 * time.Hour,
	})
	if err != nil {
		t.Fatalf("Touch: %v", err)
	}

	// CreatedAt+MaxLifetime caps the extension: 1h from now, not 4h.
	wantCap := time.Unix(sess.CreatedAt, 0).Add(4 * time.Hour).Unix()
	if touched.ExpiresAt != wantCap {
		t.Fatalf("ExpiresAt = %d, want cap %d", touched.ExpiresAt, wantCap)
	}
}

func TestTouchOutsideGraceDoesNotExtend(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	sess := testSession("sid-g", [32]byte{})
	sess.ExpiresAt = now.Add(2 * time.Hour).Unix()
	if err := store.Save(ctx, sess, 2*time.Hour); err != nil {
		t.Fatalf("Save: %v", err)
	}

	touched, err := store.Touch(ctx, "org-1", "sid-g", TouchPolicy{
		Now:         now,
		IdleTimeout: 30 * time.Minute,
		Extend:      true,
		ExtendGrace: 30 * time.Minute,
		Extension:   4 * time.Hour,
	})
	if err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if touched.ExpiresAt != sess.ExpiresAt {
		t.Fatalf("extension applied outside grace: %d -> %d", sess.ExpiresAt, touched.ExpiresAt)
	}
}

func TestRotateRefreshHash(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	var current, next [32]byte
	current[0] = 1
	next[0] = 2

	sess := testSession("sid-r", current)
	if err := store.Save(ctx, sess, time.Hour); err != nil {
		t.Fatalf("Save: %v", err)
	}

	rotated, err := store.RotateRefreshHash(ctx, "org-1", "sid-r", current, next)
	if err != nil {
		t.Fatalf("RotateRefreshHash: %v", err)
	}
	if rotated.RefreshHash != next {
		t.Fatal("hash not swapped")
	}

	got, err := store.Get(ctx, "org-1", "sid-r")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.RefreshHash != next {
		t.Fatal("swap not persisted")
	}
}

func TestRotateRefreshHashMismatchDestroys(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	var current, stale, next [32]byte
	current[0] = 1
	stale[0] = 9
	next[0] = 2

	sess := testSession("sid-m", current)
	if err := store.Save(ctx, sess, time.Hour); err != nil {
		t.Fatalf("Save: %v", err)
	}

	_, err := store.RotateRefreshHash(ctx, "org-1", "sid-m", stale, next)
	if !errors.Is(err, ErrRefreshHashMismatch) {
		t.Fatalf("err = %v, want ErrRefreshHashMismatch", err)
	}

	if _, err := store.Get(ctx, "org-1", "sid-m"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("session survived hash mismatch: %v", err)
	}
}

func TestDeleteIdempotent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	sess := testSession("sid-d", [32]byte{})
	if err := store.Save(ctx, sess, time.Hour); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := store.Delete(ctx, "org-1", "sid-d"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.Delete(ctx, "org-1", "sid-d"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if _, err := store.Get(ctx, "org-1", "sid-d"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteAllForUser(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for _, sid := range []string{"s1", "s2", "s3"} {
		sess := testSession(sid, [32]byte{})
		if err := store.Save(ctx, sess, time.Hour); err != nil {
			t.Fatalf("Save %s: %v", sid, err)
		}
	}

	if err := store.DeleteAllForUser(ctx, "org-1", "u-1"); err != nil {
		t.Fatalf("DeleteAllForUser: %v", err)
	}

	count, err := store.ActiveSessionCount(ctx, "org-1", "u-1")
	if err != nil {
		t.Fatalf("ActiveSessionCount: %v", err)
	}
	if count != 0 {
		t.Fatalf("count = %d, want 0", count)
	}
	for _, sid := range []string{"s1", "s2", "s3"} {
		if _, err := store.Get(ctx, "org-1", sid); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s survived: %v", sid, err)
		}
	}
}

func TestPruneUserIndex(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	live := testSession("live", [32]byte{})
	if err := store.Save(ctx, live, time.Hour); err != nil {
		t.Fatalf("Save: %v", err)
	}
	stale := testSession("stale", [32]byte{})
	if err := store.Save(ctx, stale, time.Hour); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Simulate TTL eviction of the stale blob; the index entry remains.
	mr.Del("ag:s:org-1:stale")

	removed, err := store.PruneUserIndex(ctx, "org-1", "u-1")
	if err != nil {
		t.Fatalf("PruneUserIndex: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}

	ids, err := store.ActiveSessionIDs(ctx, "org-1", "u-1")
	if err != nil {
		t.Fatalf("ActiveSessionIDs: %v", err)
	}
	if len(ids) != 1 || ids[0] != "live" {
		t.Fatalf("ids = %v, want [live]", ids)
	}
}

func TestSweepIndexes(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	for _, userID := range []string{"u-1", "u-2"} {
		sess := testSession("gone-"+userID, [32]byte{})
		sess.UserID = userID
		if err := store.Save(ctx, sess, time.Hour); err != nil {
			t.Fatalf("Save: %v", err)
		}
		mr.Del("ag:s:org-1:gone-" + userID)
	}

	removed, err := store.SweepIndexes(ctx)
	if err != nil {
		t.Fatalf("SweepIndexes: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
}

func TestGetManyReadOnlySkipsMissing(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	sess := testSession("only", [32]byte{})
	if err := store.Save(ctx, sess, time.Hour); err != nil {
		t.Fatalf("Save: %v", err)
	}

	sessions, err := store.GetManyReadOnly(ctx, "org-1", []string{"only", "ghost"})
	if err != nil {
		t.Fatalf("GetManyReadOnly: %v", err)
	}
	if len(sessions) != 1 || sessions[0].SessionID != "only" {
		t.Fatalf("sessions = %+v", sessions)
	}
}

func TestEncodeRejectsOversizedFields(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}
	sess := testSession("sid", [32]byte{})
	sess.UserID = string(long)

	if _, err := Encode(sess); err == nil {
		t.Fatal("oversized field encoded without error")
	}
}

func TestDecodeRejectsBadVersion(t *testing.T) {
	sess := testSession("sid", [32]byte{})
	data, err := Encode(sess)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	data[0] = 99

	if _, err := Decode(data); err == nil {
		t.Fatal("bad version decoded without error")
	}
}

func TestDecodeRejectsTruncated(t *testing.T) {
	sess := testSession("sid", [32]byte{})
	data, err := Encode(sess)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	if _, err := Decode(data[:len(data)-5]); err == nil {
		t.Fatal("truncated blob decoded without error")
	}
}
