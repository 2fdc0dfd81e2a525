package board

import (
	"testing"
	"time"
)

func TestCooldownCacheNoEntriesIsFullyAvailable(t *testing.T) {
	c := NewCooldownCache(6, time.Unix(0, 0).UTC(), 30, 300)
	info := c.Get(42, 100)
	if info.PixelsAvailable != 6 {
		t.Fatalf("expected 6 pixels available for fresh user, got %d", info.PixelsAvailable)
	}
	if len(info.Cooldowns) != 0 {
		t.Fatalf("expected no pending cooldowns, got %d", len(info.Cooldowns))
	}
}

// TestCooldownMonotonicity verifies §8 property 6: immediately after one
// insert, pixels_available is exactly one less than before.
func TestCooldownMonotonicity(t *testing.T) {
	epoch := time.Unix(0, 0).UTC()
	c := NewCooldownCache(6, epoch, 30, 300)
	before := c.Get(1, 1).PixelsAvailable
	c.Insert(1, 1, 1, 1)
	after := c.Get(1, 1).PixelsAvailable
	if before != 6 || after != 5 {
		t.Fatalf("before=%d after=%d, want 6 then 5", before, after)
	}
}

func TestCooldownExpiryAndNextTime(t *testing.T) {
	epoch := time.Unix(0, 0).UTC()
	c := NewCooldownCache(2, epoch, 30, 300)
	c.Insert(10, 1, 0, 1) // previousStack=0 -> next expiry at 10+30*1=40

	info := c.Get(1, 10)
	if info.PixelsAvailable != 1 {
		t.Fatalf("expected 1 pixel available right after placement, got %d", info.PixelsAvailable)
	}
	if len(info.Cooldowns) != 1 {
		t.Fatalf("expected one pending cooldown, got %d", len(info.Cooldowns))
	}
	wantExpiry := epoch.Add(40 * time.Second)
	if !info.Cooldowns[0].Equal(wantExpiry) {
		t.Fatalf("expiry = %v, want %v", info.Cooldowns[0], wantExpiry)
	}

	// After the expiry has passed, the pixel should be available again.
	info = c.Get(1, 41)
	if info.PixelsAvailable != 2 {
		t.Fatalf("expected both pixels available after expiry, got %d", info.PixelsAvailable)
	}
	if len(info.Cooldowns) != 0 {
		t.Fatalf("expected no pending cooldowns after expiry, got %d", len(info.Cooldowns))
	}
}

func TestCooldownRemoveRestoresPriorState(t *testing.T) {
	epoch := time.Unix(0, 0).UTC()
	c := NewCooldownCache(6, epoch, 30, 300)
	before := c.Get(1, 1)
	c.Insert(1, 1, 1, 1)
	c.Remove(1, 1)
	after := c.Get(1, 1)
	if before.PixelsAvailable != after.PixelsAvailable {
		t.Fatalf("pixels available not restored: before=%d after=%d", before.PixelsAvailable, after.PixelsAvailable)
	}
}

func TestCooldownFormulaMonotonicInStack(t *testing.T) {
	var prev uint32
	for stack := uint32(0); stack < 5; stack++ {
		d := DefaultCooldownFormula(30, 0, 0, stack)
		if stack > 0 && d <= prev {
			t.Fatalf("formula not monotonic: stack=%d delay=%d <= previous %d", stack, d, prev)
		}
		prev = d
	}
}
