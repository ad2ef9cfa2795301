package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"go.avitoscout.tech/internal/common/metrics"
	"go.avitoscout.tech/internal/proxypool"
	"go.avitoscout.tech/internal/tasks"
)

func TestStatsCollectorRefreshesGauges(t *testing.T) {
	db, mock := newMockDB(t)
	c := NewStatsCollector(db, proxypool.New(db, time.Millisecond))

	mock.ExpectQuery("FROM articulums").
		WillReturnRows(sqlmock.NewRows([]string{"state", "count"}).
			AddRow("NEW", 3).
			AddRow("VALIDATED", 1))
	mock.ExpectQuery("FROM catalog_tasks").
		WithArgs(tasks.StatusPending).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))
	mock.ExpectQuery("FROM object_tasks").
		WithArgs(tasks.StatusPending).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery("FROM proxies").
		WillReturnRows(sqlmock.NewRows([]string{"total", "blocked", "in_use", "available"}).
			AddRow(5, 1, 2, 2))

	if err := c.Collect(context.Background()); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	gauges := []struct {
		name string
		got  float64
		want float64
	}{
		{"articulums NEW", testutil.ToFloat64(metrics.ArticulumsByState.WithLabelValues("NEW")), 3},
		{"articulums VALIDATED", testutil.ToFloat64(metrics.ArticulumsByState.WithLabelValues("VALIDATED")), 1},
		// A state with no rows is reset, not left stale.
		{"articulums VALIDATING", testutil.ToFloat64(metrics.ArticulumsByState.WithLabelValues("VALIDATING")), 0},
		{"pending catalog", testutil.ToFloat64(metrics.TasksPending.WithLabelValues("catalog")), 4},
		{"pending object", testutil.ToFloat64(metrics.TasksPending.WithLabelValues("object")), 2},
		{"proxies available", testutil.ToFloat64(metrics.ProxyPoolAvailable), 2},
	}
	for _, g := range gauges {
		if g.got != g.want {
			t.Errorf("%s = %v, want %v", g.name, g.got, g.want)
		}
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
