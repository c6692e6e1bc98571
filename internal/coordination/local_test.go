package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNewInstanceIDIsUniqueUUID(t *testing.T) {
	a, b := NewInstanceID(), NewInstanceID()
	if _, err := uuid.Parse(a); err != nil {
		t.Fatalf("instance id %q is not a uuid: %v", a, err)
	}
	if a == b {
		t.Fatalf("instance ids must differ, got %q twice", a)
	}
}

func TestLocalIsAlwaysLeader(t *testing.T) {
	c := NewLocal("")
	ctx := context.Background()
	if c.InstanceID() == "" {
		t.Fatalf("expected generated instance id")
	}
	for _, fn := range []func() (bool, error){
		func() (bool, error) { return c.AcquireLeaderLease(ctx, "scheduler", time.Second) },
		func() (bool, error) { return c.IsLeader(ctx, "scheduler") },
		func() (bool, error) { return c.RenewLeaderLease(ctx, "scheduler", time.Second) },
	} {
		if ok, err := fn(); !ok || err != nil {
			t.Fatalf("local coordinator should always lead, got %v %v", ok, err)
		}
	}
}

func TestLocalLocksExpire(t *testing.T) {
	c := NewLocal("a")
	now := time.Unix(1700000000, 0)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	if ok, _ := c.AcquireLock(ctx, "k", time.Minute); !ok {
		t.Fatalf("first acquire should succeed")
	}
	if ok, _ := c.AcquireLock(ctx, "k", time.Minute); ok {
		t.Fatalf("held lock should not be re-acquired")
	}
	now = now.Add(2 * time.Minute)
	if ok, _ := c.AcquireLock(ctx, "k", time.Minute); !ok {
		t.Fatalf("expired lock should be re-acquired")
	}
	if released, _ := c.ReleaseLock(ctx, "k"); !released {
		t.Fatalf("release should report success")
	}
}

func TestLocalRateLimit(t *testing.T) {
	c := NewLocal("a")
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		d, err := c.CheckRateLimit(ctx, "api", 2, time.Minute)
		if err != nil || !d.Allowed {
			t.Fatalf("call %d: %+v %v", i+1, d, err)
		}
	}
	if d, _ := c.CheckRateLimit(ctx, "api", 2, time.Minute); d.Allowed {
		t.Fatalf("third call should be rejected")
	}
}
