package metrics

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	accerrors "github.com/rcourtman/pagegen/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutcomeLabel(t *testing.T) {
	assert.Equal(t, "success", outcomeLabel(nil))
	assert.Equal(t, "forbidden", outcomeLabel(accerrors.FromStatus("generate", 403, "")))
	assert.Equal(t, "canceled", outcomeLabel(context.Canceled))
	assert.Equal(t, "network", outcomeLabel(accerrors.Network("generate", errors.New("refused"))))
	assert.Equal(t, "error", outcomeLabel(errors.New("other")))
}

func TestRecordGeneration(t *testing.T) {
	before := testutil.ToFloat64(GenerationsTotal.WithLabelValues("server"))
	RecordGeneration(accerrors.FromStatus("generate", 500, "down"), 2*time.Second)
	after := testutil.ToFloat64(GenerationsTotal.WithLabelValues("server"))
	assert.Equal(t, before+1, after)
}

func TestRecordGateDenialAndUsage(t *testing.T) {
	before := testutil.ToFloat64(GateDenialsTotal.WithLabelValues("USAGE_EXHAUSTED"))
	RecordGateDenial("USAGE_EXHAUSTED")
	assert.Equal(t, before+1, testutil.ToFloat64(GateDenialsTotal.WithLabelValues("USAGE_EXHAUSTED")))

	RecordRemainingUsage("A", 2)
	assert.Equal(t, float64(2), testutil.ToFloat64(RemainingUsage.WithLabelValues("A")))
}

func TestWriteTextfile(t *testing.T) {
	RecordProductSwitch(nil)
	RecordEntitlementFetch(nil)
	RecordMockRequest("/api/pages/:id", "200")

	path := filepath.Join(t.TempDir(), "pagegen.prom")
	require.NoError(t, WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "pagegen_product_switches_total")
	assert.Contains(t, string(data), "pagegen_mockapi_requests_total")
}
