package database_test

import (
	"testing"

	"github.com/qiniu/zerodeploy/internal/deploy/database"
	"github.com/qiniu/zerodeploy/internal/deploy/database/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) database.Store {
		return database.NewMemoryStore()
	})
}
