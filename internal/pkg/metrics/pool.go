package metrics

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolStater is satisfied by *pgxpool.Pool.
type PoolStater interface {
	Stat() *pgxpool.Stat
}

// RecordDBPool copies the pool statistics into the db gauges.
func RecordDBPool(pool PoolStater) {
	s := pool.Stat()
	dbPoolConnections.WithLabelValues("in_use").Set(float64(s.AcquiredConns()))
	dbPoolConnections.WithLabelValues("idle").Set(float64(s.IdleConns()))
	dbPoolConnections.WithLabelValues("total").Set(float64(s.TotalConns()))
	dbPoolConnections.WithLabelValues("max").Set(float64(s.MaxConns()))
	dbPoolEmptyAcquires.Set(float64(s.EmptyAcquireCount()))
}

// Poll calls collect immediately and then every interval until ctx is done.
func Poll(ctx context.Context, interval time.Duration, collect func(context.Context)) {
	collect(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			collect(ctx)
		}
	}
}
