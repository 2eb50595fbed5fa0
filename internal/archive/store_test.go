package archive

import (
	"context"
	"path/filepath"
	"testing"

	"flashsale/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "archive.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	s := New(db)
	require.NoError(t, s.Migrate())
	return s
}

func TestArchiveIsIdempotent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	o := model.Order{OrderID: "o1", ProductID: 1, UserID: "alice", Status: model.OrderSuccess, Price: 9900, Timestamp: 1700000000000, Source: model.SourceDirect}

	require.NoError(t, s.Archive(ctx, o))
	// 重复投递不报错，也不覆盖
	dup := o
	dup.Status = model.OrderFailed
	require.NoError(t, s.Archive(ctx, dup))

	got, found, err := s.Get(ctx, "o1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.OrderSuccess, got.Status)
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, int64(9900), got.Price)
}

func TestGetMissing(t *testing.T) {
	s := newStore(t)
	_, found, err := s.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, found)
}
