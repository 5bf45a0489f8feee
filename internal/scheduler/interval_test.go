package scheduler_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailflow/internal/domain"
	"mailflow/internal/scheduler"
)

func TestNextRunTime(t *testing.T) {
	from := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		interval string
		want     time.Time
	}{
		{"1h", from.Add(time.Hour)},
		{"90m", from.Add(90 * time.Minute)},
		{"1 hour", from.Add(time.Hour)},
		{"2 days", from.Add(48 * time.Hour)},
		{"30 minutes", from.Add(30 * time.Minute)},
		{"week", from.Add(7 * 24 * time.Hour)},
		{"@every 1500ms", from.Add(1500 * time.Millisecond)},
		{"@daily", time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)},
		{"@hourly", time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2024, 5, 1, 12, 15, 0, 0, time.UTC)},
		{"0 9 * * 1", time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.interval, func(t *testing.T) {
			got, err := scheduler.NextRunTime(tt.interval, from)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseInterval_Invalid(t *testing.T) {
	for _, s := range []string{"", "soon", "0s", "-5m", "@every nope", "0 hours", "61 * * * *"} {
		t.Run(s, func(t *testing.T) {
			err := scheduler.ValidateInterval(s)
			var ve *domain.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, "interval", ve.Field)
		})
	}
}
