package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c50bossio/hybrid-payments/internal/model"
)

func TestRenderStatement(t *testing.T) {
	rate := 0.5
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	st := &Statement{
		GeneratedAt: now,
		Dashboard: &Dashboard{
			MerchantID:          "m1",
			Period:              Period{From: now.AddDate(0, 0, -7), To: now},
			TotalVolume:         20000,
			WeightedSuccessRate: &rate,
		},
		Collections: []model.CommissionCollection{{
			ID: "col_1", Amount: 1234, Currency: "USD", Status: model.CollectionFailed, DueDate: now,
		}},
	}

	html, err := (&ReportService{}).RenderHTML(st)
	require.NoError(t, err)
	assert.Contains(t, html, "2026-03-03 to 2026-03-10")
	assert.Contains(t, html, "200.00")
	assert.Contains(t, html, "50.0%")
	assert.Contains(t, html, `class="status-failed"`)
	assert.Contains(t, html, "12.34 USD")
	assert.Contains(t, html, "None.")
}
