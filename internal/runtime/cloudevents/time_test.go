package cloudevents

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTime(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2024-01-01T12:30:45.123456789Z", time.Date(2024, 1, 1, 12, 30, 45, 123456789, time.UTC)},
		{"2024-01-01T12:30:45Z", time.Date(2024, 1, 1, 12, 30, 45, 0, time.UTC)},
		{"2024-01-01T13:30:45+01:00", time.Date(2024, 1, 1, 12, 30, 45, 0, time.UTC)},
		{"2024-01-01T12:30:45", time.Date(2024, 1, 1, 12, 30, 45, 0, time.UTC)},
		{"2024-01-01 12:30:45", time.Date(2024, 1, 1, 12, 30, 45, 0, time.UTC)},
		{"2024-01-01", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTime(tt.in)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %v", got)
		})
	}
}

func TestParseTimeInvalid(t *testing.T) {
	for _, s := range []string{"not a time", "2024-13-45", "", "12345"} {
		_, err := ParseTime(s)
		var parseErr *time.ParseError
		assert.ErrorAs(t, err, &parseErr, s)
	}
}

func TestFormatTime(t *testing.T) {
	assert.Equal(t, "", FormatTime(time.Time{}))

	loc := time.FixedZone("EST", -5*3600)
	formatted := FormatTime(time.Date(2024, 1, 1, 7, 30, 45, 500, loc))
	assert.Equal(t, "2024-01-01T12:30:45.0000005Z", formatted)

	parsed, err := ParseTime(formatted)
	require.NoError(t, err)
	assert.Equal(t, time.UTC, parsed.Location())
}
