package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"stageline/internal/domain"
)

func strPtr(s string) *string { return &s }

func TestDatetimeSortWindow(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name      string
		sort      domain.DatetimeSort
		wantStart *string
		wantEnd   *string
	}{
		{
			name:      "starts now without end",
			sort:      domain.DatetimeSort{},
			wantStart: strPtr("2024-01-01T00:00:00.000000Z"),
		},
		{
			name:      "delayed start with duration",
			sort:      domain.DatetimeSort{AfterHowMuchHours: 2, HowMuchHours: 24},
			wantStart: strPtr("2024-01-01T02:00:00.000000Z"),
			wantEnd:   strPtr("2024-01-02T02:00:00.000000Z"),
		},
		{
			name:      "fixed start and end",
			sort:      domain.DatetimeSort{StartTime: strPtr("2024-02-01T08:00:00.000000Z"), EndTime: strPtr("2024-02-03T08:00:00.000000Z"), HowMuchHours: 1},
			wantStart: strPtr("2024-02-01T08:00:00.000000Z"),
			wantEnd:   strPtr("2024-02-03T08:00:00.000000Z"),
		},
		{
			name:      "duration counts from fixed start",
			sort:      domain.DatetimeSort{StartTime: strPtr("2024-02-01T08:00:00.000000Z"), HowMuchHours: 1.5},
			wantStart: strPtr("2024-02-01T08:00:00.000000Z"),
			wantEnd:   strPtr("2024-02-01T09:30:00.000000Z"),
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			start, end := tc.sort.Window(now)
			assert.Equal(t, tc.wantStart, start)
			assert.Equal(t, tc.wantEnd, end)
		})
	}
}

func TestTaskAvailable(t *testing.T) {
	task := domain.Task{StartPeriod: strPtr("2024-01-01T02:00:00.000000Z"), EndPeriod: strPtr("2024-01-02T02:00:00.000000Z")}
	assert.False(t, task.Available(time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC)))
	assert.True(t, task.Available(time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC)))
	assert.True(t, task.Available(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)))
	assert.False(t, task.Available(time.Date(2024, 1, 2, 3, 0, 0, 0, time.UTC)))
	assert.True(t, domain.Task{}.Available(time.Now()))
}
