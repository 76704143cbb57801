package infra

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mintwatch/backend/internal/alerts"
)

var _ alerts.DashboardStore = (*RedisStore)(nil)

func TestNewRedisStoreFailsFastWhenUnreachable(t *testing.T) {
	s, err := NewRedisStore("127.0.0.1:1", "", 0)
	require.Error(t, err)
	assert.Nil(t, s)
	assert.Contains(t, err.Error(), "redis ping failed")
}
