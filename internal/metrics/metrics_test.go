package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"options-mm/internal/models"
)

func TestRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.Recalculated(models.ReasonMarket, &models.ModelSnapshot{Success: true, Regime: models.RegimeLiquid}, time.Millisecond)
	r.Recalculated(models.ReasonMarket, &models.ModelSnapshot{}, time.Millisecond)
	if got := testutil.ToFloat64(r.recalcs.WithLabelValues("MARKET", "ok")); got != 1 {
		t.Errorf("ok recalcs = %v", got)
	}
	if got := testutil.ToFloat64(r.recalcs.WithLabelValues("MARKET", "failed")); got != 1 {
		t.Errorf("failed recalcs = %v", got)
	}

	r.Dispatched([]models.OrderAction{
		{Role: models.RoleRegular, Type: models.ActionNew},
		{Role: models.RoleRegular, Type: models.ActionNew},
	})
	if got := testutil.ToFloat64(r.actions.WithLabelValues("regular", "NEW")); got != 2 {
		t.Errorf("actions = %v", got)
	}

	r.Rejected([]models.OrderAction{{Role: models.RoleMarketMaker, Reason: models.RejectCrossPrice}})
	if got := testutil.ToFloat64(r.rejections.WithLabelValues("market_maker", "CROSS_PRICE")); got != 1 {
		t.Errorf("rejections = %v", got)
	}

	r.CurveStatus("Si-6.24", models.CurveValuation)
	r.CurveStatus("Si-6.24", models.CurveBadStats)
	if got := testutil.ToFloat64(r.curveStatus.WithLabelValues("Si-6.24", "VALUATION")); got != 0 {
		t.Errorf("stale status gauge = %v", got)
	}
	if got := testutil.ToFloat64(r.curveStatus.WithLabelValues("Si-6.24", "BAD_STATS")); got != 1 {
		t.Errorf("status gauge = %v", got)
	}

	r.CurveFit("Si-6.24", models.CurveQuality{Correlation: 0.97}, models.CurveQuality{Correlation: 0.95})
	if got := testutil.ToFloat64(r.correlation.WithLabelValues("Si-6.24", "offer")); got != 0.95 {
		t.Errorf("correlation = %v", got)
	}

	r.WorkerCrash("curve")
	r.Transactions(12)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, name := range []string{"mm_worker_crashes_total", "mm_transactions_last_second 12", "mm_recalculation_duration_seconds"} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %q", name)
		}
	}
}
