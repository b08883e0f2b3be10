package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommission_ScenarioC(t *testing.T) {
	rate := decimal.RequireFromString("0.20")

	total := Commission(2500, rate).Add(Commission(3000, rate))

	assert.Equal(t, int64(1100), RoundHalfUp(total))
	assert.Equal(t, "11.00 USD", Format(RoundHalfUp(total), "USD"))
}

func TestRoundHalfUp(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"0.5", 1},
		{"1.49", 1},
		{"2.5", 3},
		{"2.4999", 2},
		{"0", 0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, RoundHalfUp(decimal.RequireFromString(tt.in)))
		})
	}
}

func TestRoundOnlyOnce(t *testing.T) {
	// 0.4 per payment rounds to 0 on its own; the sum 1.2 rounds to 1
	rate := decimal.RequireFromString("0.001")
	sum := decimal.Zero
	for i := 0; i < 3; i++ {
		sum = sum.Add(Commission(400, rate))
	}
	assert.Equal(t, int64(1), RoundHalfUp(sum))
}

func TestFee(t *testing.T) {
	fee := Fee{Percent: decimal.RequireFromString("0.029"), Fixed: 30}

	assert.Equal(t, int64(248), RoundHalfUp(fee.Apply(7500)))
	assert.Equal(t, int64(495), RoundHalfUp(fee.ApplyVolume(15000, 2)))
}

func TestNewEstimate_ScenarioB(t *testing.T) {
	fee := Fee{Percent: decimal.RequireFromString("0.026"), Fixed: 10}
	est := NewEstimate(7500, fee, decimal.RequireFromString("0.15"))

	assert.Equal(t, int64(1125), est.CommissionFee)
	assert.Equal(t, int64(205), est.ProcessingFee)
	assert.Equal(t, int64(7500-205-1125), est.NetAmount)
}

func TestWithin(t *testing.T) {
	assert.True(t, Within(1000, 1001, Tolerance))
	assert.True(t, Within(1001, 1000, Tolerance))
	assert.False(t, Within(1000, 1002, Tolerance))
}

func TestFromMajor(t *testing.T) {
	tests := []struct {
		value, currency string
		want            int64
	}{
		{"75.00", "USD", 7500},
		{"75", "usd", 7500},
		{"0.5", "EUR", 50},
		{"1500", "JPY", 1500},
		{"1.250", "KWD", 1250},
		{"-3.10", "USD", -310},
	}
	for _, tt := range tests {
		v, err := FromMajor(tt.value, tt.currency)
		require.NoError(t, err, tt.value)
		assert.Equal(t, tt.want, v, tt.value+" "+tt.currency)
	}

	for _, bad := range [][2]string{{"abc", "USD"}, {"", "USD"}, {"10.005", "USD"}, {"1500.5", "JPY"}} {
		_, err := FromMajor(bad[0], bad[1])
		assert.Error(t, err, bad[0]+" "+bad[1])
	}
}

func TestMajorIn(t *testing.T) {
	assert.Equal(t, "11.00", MajorIn(1100, "USD"))
	assert.Equal(t, "1100", MajorIn(1100, "JPY"))
	assert.Equal(t, "1.100", MajorIn(1100, "BHD"))
	assert.Equal(t, "-0.05", MajorIn(-5, "EUR"))
}
