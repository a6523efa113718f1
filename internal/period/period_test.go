package period

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlan(t *testing.T) {
	tests := []struct {
		name string
		now  time.Time
		last string
		want []string
	}{
		{
			name: "two months behind includes current month",
			now:  time.Date(2024, time.June, 20, 12, 0, 0, 0, marketLocation),
			last: "2024-03",
			want: []string{"2024-04", "2024-05", "2024-06"},
		},
		{
			name: "year rollover",
			now:  time.Date(2024, time.February, 3, 12, 0, 0, 0, marketLocation),
			last: "2023-11",
			want: []string{"2023-12", "2024-01", "2024-02"},
		},
		{
			name: "already current",
			now:  time.Date(2024, time.June, 20, 12, 0, 0, 0, marketLocation),
			last: "2024-06",
			want: nil,
		},
		{
			name: "store ahead of clock",
			now:  time.Date(2024, time.June, 20, 12, 0, 0, 0, marketLocation),
			last: "2024-08",
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Plan(tt.now, MustParse(tt.last))
			require.NoError(t, err)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, Strings(got))
		})
	}
}

func TestPlanUsesMarketClock(t *testing.T) {
	// 02:00 UTC on July 1st is still June 30th in Buenos Aires.
	now := time.Date(2024, time.July, 1, 2, 0, 0, 0, time.UTC)
	got, err := Plan(now, MustParse("2024-05"))
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-06"}, Strings(got))
}

func TestPlanWithoutBootstrap(t *testing.T) {
	_, err := Plan(time.Now(), Month{})
	assert.ErrorIs(t, err, ErrNoBootstrap)
}

func TestParse(t *testing.T) {
	m, err := Parse("2022-11")
	require.NoError(t, err)
	assert.Equal(t, Month{Year: 2022, Month: time.November}, m)
	assert.Equal(t, "2022-11", m.String())
	assert.Equal(t, "2022_11", m.DirName())
	assert.Equal(t, "2022-11-01", m.FirstDay())

	m, err = Parse("2024-04-01")
	require.NoError(t, err)
	assert.Equal(t, "2024-04", m.String())

	_, err = Parse("April 2024")
	assert.Error(t, err)
}

func TestNextAndBefore(t *testing.T) {
	dec := MustParse("2023-12")
	assert.Equal(t, "2024-01", dec.Next().String())
	assert.True(t, dec.Before(dec.Next()))
	assert.False(t, dec.Next().Before(dec))
	assert.False(t, dec.Before(dec))
	assert.Equal(t, "2023-12", dec.Next().Prev().String())
	assert.Equal(t, "2023-11", dec.Prev().String())
}
