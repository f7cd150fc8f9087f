package lineagelock

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestLocalLockerSerialisesPerLineage(t *testing.T) {
	locker := NewLocal()
	ctx := context.Background()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locker.Acquire(ctx, "lin_1")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			counter++
			release()
		}()
	}
	wg.Wait()

	if counter != 20 {
		t.Fatalf("expected 20 serialized increments, got %d", counter)
	}
}

func TestRedisLockerReportsBusy(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	locker := NewRedis(rdb)
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "lin_2")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	if _, err := locker.Acquire(ctx, "lin_2"); err != ErrBusy {
		t.Fatalf("expected ErrBusy while held, got %v", err)
	}

	release()
	release2, err := locker.Acquire(ctx, "lin_2")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	release2()
}

func TestRedisLockerIsPerLineage(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	locker := NewRedis(rdb)
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "lin_3")
	if err != nil {
		t.Fatalf("acquire lin_3: %v", err)
	}
	defer release()

	other, err := locker.Acquire(ctx, "lin_4")
	if err != nil {
		t.Fatalf("acquire lin_4 should not see lin_3's lock: %v", err)
	}
	other()
}
