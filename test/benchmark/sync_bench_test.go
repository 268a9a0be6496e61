package benchmark

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/TheMichaelB/recsync/internal/clock"
	"github.com/TheMichaelB/recsync/internal/coordinator"
	"github.com/TheMichaelB/recsync/internal/events"
	"github.com/TheMichaelB/recsync/internal/models"
	"github.com/TheMichaelB/recsync/internal/resolve"
	"github.com/TheMichaelB/recsync/internal/store"
	"github.com/TheMichaelB/recsync/test/testutil"
)

func newCoordinator(b *testing.B, remote store.RemoteStore) (*coordinator.Coordinator, *store.MemoryStore) {
	b.Helper()

	local := store.NewMemoryStore("local", clock.System{})
	coord, err := coordinator.New(coordinator.Options{
		Local:    local,
		Journal:  store.NewMemoryJournal(),
		Remote:   remote,
		Locker:   store.NewLocker(time.Second),
		Resolver: resolve.Default(),
		Clock:    clock.System{},
		Logger:   events.Discard(),
	})
	if err != nil {
		b.Fatal(err)
	}
	if err := coord.Initialize(context.Background(), remote != nil); err != nil {
		b.Fatal(err)
	}
	b.Cleanup(coord.Dispose)
	return coord, local
}

func BenchmarkTransactionCommit(b *testing.B) {
	ctx := context.Background()
	coord, _ := newCoordinator(b, nil)
	payload := testutil.MustJSON(map[string]interface{}{"title": "bench", "done": false})

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if _, err := coord.Create(ctx, models.AggregateTask, fmt.Sprintf("task-%d", i), payload); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkPush(b *testing.B) {
	for _, count := range []int{10, 100, 1000} {
		b.Run(fmt.Sprintf("%dRecords", count), func(b *testing.B) {
			ctx := context.Background()
			b.ReportAllocs()

			for i := 0; i < b.N; i++ {
				b.StopTimer()
				remote := store.NewMemoryStore("remote", clock.System{})
				coord, _ := newCoordinator(b, remote)
				for j := 0; j < count; j++ {
					if _, err := coord.Create(ctx, models.AggregateListItem, fmt.Sprintf("item-%d", j), []byte(`{"checked":false}`)); err != nil {
						b.Fatal(err)
					}
				}
				b.StartTimer()

				report, err := coord.ForceSync(ctx, time.Minute)
				if err != nil {
					b.Fatal(err)
				}
				if report.Pushed+report.Applied == 0 && count > 0 {
					b.Fatalf("nothing pushed: %+v", report)
				}
			}
		})
	}
}

func BenchmarkPull(b *testing.B) {
	for _, count := range []int{10, 100, 1000} {
		b.Run(fmt.Sprintf("%dRecords", count), func(b *testing.B) {
			ctx := context.Background()
			b.ReportAllocs()

			for i := 0; i < b.N; i++ {
				b.StopTimer()
				remote := store.NewMemoryStore("remote", clock.System{})
				remote.Seed(testutil.Records(models.AggregateList, "list", count)...)
				coord, local := newCoordinator(b, remote)
				b.StartTimer()

				if _, err := coord.ForceSync(ctx, time.Minute); err != nil {
					b.Fatal(err)
				}

				b.StopTimer()
				recs, err := local.ListByType(ctx, models.AggregateList)
				if err != nil {
					b.Fatal(err)
				}
				if len(recs) != count {
					b.Fatalf("pulled %d records, want %d", len(recs), count)
				}
				b.StartTimer()
			}
		})
	}
}

func BenchmarkQueryExpr(b *testing.B) {
	ctx := context.Background()
	coord, _ := newCoordinator(b, nil)

	for i := 0; i < 500; i++ {
		payload := testutil.MustJSON(map[string]interface{}{"priority": i % 5, "done": i%2 == 0})
		if _, err := coord.Create(ctx, models.AggregateTask, fmt.Sprintf("task-%03d", i), payload); err != nil {
			b.Fatal(err)
		}
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		recs, err := coord.QueryExpr(ctx, models.AggregateTask, "payload.priority > 2 && !payload.done")
		if err != nil {
			b.Fatal(err)
		}
		if len(recs) == 0 {
			b.Fatal("query matched nothing")
		}
	}
}
