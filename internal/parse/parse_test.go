package parse

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"makerspace-backend/internal/ingress"
)

func TestParseTopic(t *testing.T) {
	testCases := []struct {
		name      string
		topic     string
		expected  ParsedTopic
		expectErr bool
	}{
		{
			name:     "Machine endpoint",
			topic:    "machine/laser-1",
			expected: ParsedTopic{Endpoint: ingress.MachineEndpoint, EndpointID: "laser-1"},
		},
		{
			name:     "Access endpoint",
			topic:    "access/front-door",
			expected: ParsedTopic{Endpoint: ingress.AccessEndpoint, EndpointID: "front-door"},
		},
		{
			name:      "Reply topic",
			topic:     "machine/laser-1/response",
			expectErr: true,
		},
		{
			name:      "Unknown prefix",
			topic:     "sensor/laser-1",
			expectErr: true,
		},
		{
			name:      "Missing id",
			topic:     "machine/",
			expectErr: true,
		},
		{
			name:      "Wildcard",
			topic:     "machine/+",
			expectErr: true,
		},
		{
			name:      "Pipe in id",
			topic:     "access/door|seq:1",
			expectErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			parsed, err := ParseTopic(tc.topic, "machine", "access")
			if tc.expectErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, tc.expected, parsed)
			}
		})
	}

	assert.Equal(t, "access/front-door/response", ReplyTopic("access/front-door"))
}

func TestParseDateRange(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	now := time.Date(2026, 3, 2, 10, 30, 0, 0, loc)
	day := func(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, loc) }

	testCases := []struct {
		name      string
		from, to  string
		expected  DateRange
		empty     bool
		expectErr bool
	}{
		{
			name:     "Defaults to today",
			expected: DateRange{From: day(2026, 3, 2), To: day(2026, 3, 3)},
		},
		{
			name:     "Inclusive days",
			from:     "2026-02-01",
			to:       "2026-02-28",
			expected: DateRange{From: day(2026, 2, 1), To: day(2026, 3, 1)},
		},
		{
			name:     "Single day",
			from:     "2026-02-10",
			to:       "2026-02-10",
			expected: DateRange{From: day(2026, 2, 10), To: day(2026, 2, 11)},
		},
		{
			name:     "RFC3339",
			from:     "2026-02-10T08:00:00Z",
			to:       "2026-02-10T12:00:00+01:00",
			expected: DateRange{From: time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC), To: time.Date(2026, 2, 10, 11, 0, 0, 0, time.UTC)},
		},
		{
			name:  "Inverted",
			from:  "2026-03-05",
			to:    "2026-03-01",
			empty: true,
		},
		{
			name:      "Garbage",
			from:      "last tuesday",
			expectErr: true,
		},
		{
			name:      "Impossible date",
			to:        "2026-02-30",
			expectErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r, err := ParseDateRange(tc.from, tc.to, now, loc)
			if tc.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tc.empty {
				assert.True(t, r.Empty())
				return
			}
			assert.False(t, r.Empty())
			assert.True(t, tc.expected.From.Equal(r.From), "from %s", r.From)
			assert.True(t, tc.expected.To.Equal(r.To), "to %s", r.To)
		})
	}
}
