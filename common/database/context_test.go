package database

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStoreContext(t *testing.T) {
	tests := []struct {
		name    string
		timeout time.Duration
		want    time.Duration
	}{
		{"explicit timeout", 100 * time.Millisecond, 100 * time.Millisecond},
		{"zero falls back to default", 0, DefaultStoreTimeout},
		{"negative falls back to default", -time.Second, DefaultStoreTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start := time.Now()
			ctx, cancel := StoreContext(context.Background(), tt.timeout)
			defer cancel()

			deadline, ok := ctx.Deadline()
			assert.True(t, ok)
			assert.WithinDuration(t, start.Add(tt.want), deadline, 50*time.Millisecond)
		})
	}
}

func TestIsTimeout(t *testing.T) {
	assert.True(t, IsTimeout(context.DeadlineExceeded))
	assert.True(t, IsTimeout(fmt.Errorf("redis: %w", context.DeadlineExceeded)))
	assert.True(t, IsTimeout(context.Canceled))
	assert.False(t, IsTimeout(errors.New("connection refused")))
	assert.False(t, IsTimeout(nil))
}

func TestMigrateDown_RejectsNonPositiveSteps(t *testing.T) {
	err := MigrateDown(nil, "", "postgres://localhost/none", 0)
	assert.Error(t, err)
}
