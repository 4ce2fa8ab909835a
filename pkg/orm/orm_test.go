package orm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type row struct {
	ID   int64
	Name string
}

func TestOpen_SqliteAndPagination(t *testing.T) {
	db, err := Open(&Config{Driver: "sqlite", DSN: ":memory:", MaxOpen: 1, LogLevel: "silent"})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&row{}))

	for i := 0; i < 7; i++ {
		require.NoError(t, db.Create(&row{Name: "r"}).Error)
	}

	var page []row
	require.NoError(t, ApplyPagination(db.Order("id"), 2, 3).Find(&page).Error)
	require.Len(t, page, 3)
	assert.Equal(t, int64(4), page[0].ID)

	var all []row
	require.NoError(t, ApplyPagination(db, 0, 0).Find(&all).Error)
	assert.Len(t, all, 7)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(&Config{Driver: "oracle"})
	assert.Error(t, err)
}
