package broker

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"copy-trader-go/store"
)

func TestSealUnsealRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	copy(key, "0123456789abcdef0123456789abcdef")
	creds := Credentials{ClientCode: "C1", UserID: "u1", Password: "secret", APIKey: "key"}

	sealed, err := Seal(key, creds)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(sealed, []byte("secret")) {
		t.Fatalf("plaintext password leaked into sealed blob")
	}
	got, err := Unseal(key, sealed)
	if err != nil {
		t.Fatalf("unseal: %v", err)
	}
	if got != creds {
		t.Fatalf("round trip mismatch: %+v != %+v", got, creds)
	}
}

func TestUnsealWrongKeyFails(t *testing.T) {
	key := make([]byte, 32)
	sealed, err := Seal(key, Credentials{UserID: "u"})
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	other := make([]byte, 32)
	other[0] = 1
	if _, err := Unseal(other, sealed); err == nil {
		t.Fatal("expected unseal failure with wrong key")
	}
}

func TestVaultSingleFlight(t *testing.T) {
	v := testVault(t)
	var logins int32
	v.loginFn = func(ctx context.Context, creds Credentials) (string, time.Time, error) {
		atomic.AddInt32(&logins, 1)
		time.Sleep(20 * time.Millisecond)
		return "tok", time.Now().Add(time.Hour), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := v.Acquire(context.Background(), "F1")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			s.Release()
		}()
	}
	wg.Wait()
	if got := atomic.LoadInt32(&logins); got != 1 {
		t.Fatalf("want 1 shared login, got %d", got)
	}
}

func TestVaultRefreshesWithinGuardWindow(t *testing.T) {
	v := testVault(t)
	var logins int32
	v.loginFn = func(ctx context.Context, creds Credentials) (string, time.Time, error) {
		n := atomic.AddInt32(&logins, 1)
		if n == 1 {
			// 首次会话已落在 guard 窗口内，下次 Acquire 必须刷新
			return "tok1", time.Now().Add(time.Minute), nil
		}
		return "tok2", time.Now().Add(time.Hour), nil
	}

	s1, err := v.Acquire(context.Background(), "F1")
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	s1.Release()
	s2, err := v.Acquire(context.Background(), "F1")
	if err != nil {
		t.Fatalf("acquire 2: %v", err)
	}
	defer s2.Release()
	if s2.Token != "tok2" {
		t.Fatalf("expected refreshed session, got token %s", s2.Token)
	}
	if atomic.LoadInt32(&logins) != 2 {
		t.Fatalf("want 2 logins, got %d", logins)
	}
}

func TestVaultInvalidateForcesRelogin(t *testing.T) {
	v := testVault(t)
	var logins int32
	v.loginFn = func(ctx context.Context, creds Credentials) (string, time.Time, error) {
		atomic.AddInt32(&logins, 1)
		return "tok", time.Now().Add(time.Hour), nil
	}

	s, err := v.Acquire(context.Background(), "F1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	s.Release()
	v.Invalidate("F1")
	s, err = v.Acquire(context.Background(), "F1")
	if err != nil {
		t.Fatalf("acquire after invalidate: %v", err)
	}
	s.Release()
	if atomic.LoadInt32(&logins) != 2 {
		t.Fatalf("want relogin after invalidate, got %d logins", logins)
	}
}

func TestVaultMissingCredentialsIsPermanent(t *testing.T) {
	v, err := NewVault(stubCredSource{err: store.ErrNotFound},
		"0000000000000000000000000000000000000000000000000000000000000000", "http://unused", nil, 0)
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	if _, err := v.Acquire(context.Background(), "F404"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("want ErrInvalidCredentials, got %v", err)
	}
}
