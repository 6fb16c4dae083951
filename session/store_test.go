package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newSessionStoreTest(t *testing.T) (*Store, *redis.Client, *testClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := &testClock{now: time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)}
	return NewStore(rdb, clock.Now, 24*time.Hour), rdb, clock
}

const (
	tenant = "t-1"
	user   = "17"
	device = "1b4e28ba-2fa1-41d2-883f-0016d3cca427"
)

func TestUpsertLoginCreatesThenUpdates(t *testing.T) {
	store, _, clock := newSessionStoreTest(t)
	ctx := context.Background()

	first, err := store.UpsertLogin(ctx, tenant, user, device, "h1")
	if err != nil {
		t.Fatalf("first login: %v", err)
	}
	if first.ID == "" || first.LoginCount != 1 || first.RefreshHash != "h1" {
		t.Fatalf("unexpected first session: %+v", first)
	}
	created := clock.Now()

	clock.Advance(time.Hour)
	second, err := store.UpsertLogin(ctx, tenant, user, device, "h2")
	if err != nil {
		t.Fatalf("second login: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("session id changed: %s -> %s", first.ID, second.ID)
	}
	if second.LoginCount != 2 {
		t.Fatalf("expected login count 2, got %d", second.LoginCount)
	}
	if !second.FirstSeenAt.Equal(created) {
		t.Fatalf("first seen moved: %v", second.FirstSeenAt)
	}
	if !second.IssuedAt.Equal(clock.Now()) || !second.LastLoginAt.Equal(clock.Now()) {
		t.Fatalf("issuance not refreshed: %+v", second)
	}

	byID, err := store.FindByID(ctx, tenant, first.ID)
	if err != nil {
		t.Fatalf("find by id: %v", err)
	}
	if byID.RefreshHash != "h2" || byID.UserID != user || byID.DeviceID != device {
		t.Fatalf("unexpected lookup result: %+v", byID)
	}
}

func TestInvalidateIsIdempotent(t *testing.T) {
	store, rdb, clock := newSessionStoreTest(t)
	ctx := context.Background()

	sess, err := store.UpsertLogin(ctx, tenant, user, device, "h1")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	clock.Advance(time.Minute)
	already, err := store.Invalidate(ctx, tenant, sess.ID)
	if err != nil || already {
		t.Fatalf("first invalidate: already=%v err=%v", already, err)
	}
	loggedOutAt := clock.Now()

	clock.Advance(time.Minute)
	already, err = store.Invalidate(ctx, tenant, sess.ID)
	if err != nil || !already {
		t.Fatalf("second invalidate: already=%v err=%v", already, err)
	}

	got, err := store.FindByUserDevice(ctx, tenant, user, device)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.LoggedIn() {
		t.Fatal("session still logged in")
	}
	if !got.LastLogoutAt.Equal(loggedOutAt) {
		t.Fatalf("second invalidate wrote state: last logout %v", got.LastLogoutAt)
	}

	raw, err := rdb.HGet(ctx, store.Key(tenant, user, device), "refresh").Result()
	if err != nil || raw != "" {
		t.Fatalf("refresh field = %q, %v", raw, err)
	}

	if _, err := store.Invalidate(ctx, tenant, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRotateReuseDeletesSession(t *testing.T) {
	store, rdb, clock := newSessionStoreTest(t)
	ctx := context.Background()

	sess, err := store.UpsertLogin(ctx, tenant, user, device, "R1")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	clock.Advance(10 * time.Minute)

	status, _, err := store.Rotate(ctx, tenant, user, device, "R1", "R2", time.Minute)
	if err != nil || status != RotateRotated {
		t.Fatalf("rotate R1: %v %v", status, err)
	}

	status, sid, err := store.Rotate(ctx, tenant, user, device, "R1", "R3", time.Minute)
	if err != nil || status != RotateReuse {
		t.Fatalf("replay R1: %v %v", status, err)
	}
	if sid != sess.ID {
		t.Fatalf("reuse reported sid %q, want %q", sid, sess.ID)
	}

	status, _, err = store.Rotate(ctx, tenant, user, device, "R2", "R4", time.Minute)
	if err != nil || status != RotateNotFound {
		t.Fatalf("rotate R2 after reuse: %v %v", status, err)
	}

	if n, _ := rdb.Exists(ctx, "sid:"+tenant+":"+sess.ID).Result(); n != 0 {
		t.Fatal("session index survived reuse deletion")
	}
	if devices, _ := rdb.SMembers(ctx, "sus:"+tenant+":"+user).Result(); len(devices) != 0 {
		t.Fatalf("user set survived reuse deletion: %v", devices)
	}
}

func TestRotateThresholdAndExpiry(t *testing.T) {
	store, _, clock := newSessionStoreTest(t)
	ctx := context.Background()

	if _, err := store.UpsertLogin(ctx, tenant, user, device, "R1"); err != nil {
		t.Fatalf("login: %v", err)
	}

	clock.Advance(30 * time.Second)
	status, _, err := store.Rotate(ctx, tenant, user, device, "R1", "R2", time.Minute)
	if err != nil || status != RotateFresh {
		t.Fatalf("expected fresh, got %v %v", status, err)
	}
	got, _ := store.FindByUserDevice(ctx, tenant, user, device)
	if got.RefreshHash != "R1" {
		t.Fatalf("fresh rotation wrote %q", got.RefreshHash)
	}

	clock.Advance(24 * time.Hour)
	status, _, err = store.Rotate(ctx, tenant, user, device, "R1", "R2", time.Minute)
	if err != nil || status != RotateExpired {
		t.Fatalf("expected expired, got %v %v", status, err)
	}
}

func TestRotateLoggedOutSessionIsReuse(t *testing.T) {
	store, _, _ := newSessionStoreTest(t)
	ctx := context.Background()

	sess, err := store.UpsertLogin(ctx, tenant, user, device, "R1")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := store.Invalidate(ctx, tenant, sess.ID); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	status, _, err := store.Rotate(ctx, tenant, user, device, "R1", "R2", 0)
	if err != nil || status != RotateReuse {
		t.Fatalf("expected reuse, got %v %v", status, err)
	}
	if _, err := store.FindByUserDevice(ctx, tenant, user, device); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected deleted session, got %v", err)
	}
}

func TestConcurrentRotateSingleWinner(t *testing.T) {
	store, _, clock := newSessionStoreTest(t)
	ctx := context.Background()

	if _, err := store.UpsertLogin(ctx, tenant, user, device, "R1"); err != nil {
		t.Fatalf("login: %v", err)
	}
	clock.Advance(time.Hour)

	const workers = 10
	start := make(chan struct{})
	results := make(chan RotateStatus, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			status, _, err := store.Rotate(ctx, tenant, user, device, "R1", "next-"+string(rune('a'+i)), time.Minute)
			if err != nil {
				t.Errorf("rotate: %v", err)
				return
			}
			results <- status
		}(i)
	}
	close(start)
	wg.Wait()
	close(results)

	rotated := 0
	for status := range results {
		if status == RotateRotated {
			rotated++
		}
	}
	if rotated != 1 {
		t.Fatalf("expected exactly one rotation, got %d", rotated)
	}
}

func TestListAndDelete(t *testing.T) {
	store, _, _ := newSessionStoreTest(t)
	ctx := context.Background()
	other := "9a1f7c2e-1111-4c3d-8e9f-0a1b2c3d4e5f"

	for _, pair := range [][2]string{{user, device}, {user, other}, {"18", device}} {
		if _, err := store.UpsertLogin(ctx, tenant, pair[0], pair[1], "h"); err != nil {
			t.Fatalf("login %v: %v", pair, err)
		}
	}

	mine, err := store.ListForUser(ctx, tenant, user)
	if err != nil || len(mine) != 2 {
		t.Fatalf("ListForUser = %d, %v", len(mine), err)
	}
	onDevice, err := store.ListForDevice(ctx, tenant, device)
	if err != nil || len(onDevice) != 2 {
		t.Fatalf("ListForDevice = %d, %v", len(onDevice), err)
	}

	existed, err := store.Delete(ctx, tenant, user, device)
	if err != nil || !existed {
		t.Fatalf("delete: %v %v", existed, err)
	}
	existed, err = store.Delete(ctx, tenant, user, device)
	if err != nil || existed {
		t.Fatalf("second delete: %v %v", existed, err)
	}

	onDevice, _ = store.ListForDevice(ctx, tenant, device)
	if len(onDevice) != 1 || onDevice[0].UserID != "18" {
		t.Fatalf("unexpected device sessions after delete: %+v", onDevice)
	}
}

func TestPurgeExpired(t *testing.T) {
	store, _, clock := newSessionStoreTest(t)
	ctx := context.Background()

	if _, err := store.UpsertLogin(ctx, tenant, user, device, "old"); err != nil {
		t.Fatalf("login: %v", err)
	}
	clock.Advance(20 * time.Hour)
	if _, err := store.UpsertLogin(ctx, tenant, "18", device, "new"); err != nil {
		t.Fatalf("login: %v", err)
	}
	clock.Advance(5 * time.Hour)

	removed, err := store.PurgeExpired(ctx)
	if err != nil || removed != 1 {
		t.Fatalf("PurgeExpired = %d, %v", removed, err)
	}
	left, _ := store.ListForDevice(ctx, tenant, device)
	if len(left) != 1 || left[0].UserID != "18" {
		t.Fatalf("unexpected survivors: %+v", left)
	}
}

func TestPurgeKeepsPendingRecordWhileLocked(t *testing.T) {
	store, rdb, clock := newSessionStoreTest(t)
	ctx := context.Background()

	pending, err := store.Ensure(ctx, tenant, user, device)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	key := store.Key(tenant, user, device)
	lockedUntil := clock.Now().Add(48 * time.Hour).UnixMilli()
	if err := rdb.HSet(ctx, key, "TWO_FACTOR.n", 3, "TWO_FACTOR.until", lockedUntil).Err(); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	clock.Advance(30 * time.Hour)
	removed, err := store.PurgeExpired(ctx)
	if err != nil || removed != 0 {
		t.Fatalf("PurgeExpired while locked = %d, %v", removed, err)
	}
	if n, _ := rdb.Exists(ctx, key).Result(); n != 1 {
		t.Fatalf("pending record %s was purged while locked", pending.ID)
	}

	clock.Advance(20 * time.Hour)
	removed, err = store.PurgeExpired(ctx)
	if err != nil || removed != 1 {
		t.Fatalf("PurgeExpired after lock = %d, %v", removed, err)
	}
}

func TestPurgeKeepsFreshPendingRecord(t *testing.T) {
	store, _, clock := newSessionStoreTest(t)
	ctx := context.Background()

	if _, err := store.Ensure(ctx, tenant, user, device); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	clock.Advance(time.Hour)
	removed, err := store.PurgeExpired(ctx)
	if err != nil || removed != 0 {
		t.Fatalf("PurgeExpired = %d, %v", removed, err)
	}
}

func TestRedisMirror(t *testing.T) {
	store, rdb, _ := newSessionStoreTest(t)
	ctx := context.Background()
	mirror := NewRedisMirror(rdb, time.Hour)

	sess, err := store.UpsertLogin(ctx, tenant, user, device, "h1")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := mirror.Publish(ctx, sess); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got, err := mirror.Lookup(ctx, tenant, sess.ID)
	if err != nil || got.UserID != user || got.DeviceID != device {
		t.Fatalf("lookup = %+v, %v", got, err)
	}

	if err := mirror.Revoke(ctx, tenant, sess.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := mirror.Lookup(ctx, tenant, sess.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after revoke, got %v", err)
	}

	var noop Mirror = NoopMirror{}
	if err := noop.Publish(ctx, sess); err != nil {
		t.Fatalf("noop publish: %v", err)
	}
}

func TestEnsureCreatesLoggedOutRecordOnce(t *testing.T) {
	store, _, clock := newSessionStoreTest(t)
	ctx := context.Background()

	first, err := store.Ensure(ctx, tenant, user, device)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if first.LoggedIn() || first.LoginCount != 0 || first.ID == "" {
		t.Fatalf("unexpected ensured session: %+v", first)
	}

	clock.Advance(time.Minute)
	again, err := store.Ensure(ctx, tenant, user, device)
	if err != nil || again.ID != first.ID || !again.FirstSeenAt.Equal(first.FirstSeenAt) {
		t.Fatalf("second ensure changed the record: %+v, %v", again, err)
	}

	logged, err := store.UpsertLogin(ctx, tenant, user, device, "h1")
	if err != nil || logged.ID != first.ID || logged.LoginCount != 1 {
		t.Fatalf("login after ensure: %+v, %v", logged, err)
	}
}
