package persistence

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/petrijr/runflow/internal/testutil"
)

func TestMongoStoreSuite(t *testing.T) {
	uri := testutil.GetMongoURI(t)

	suite.Run(t, &RunStoreSuite{newStore: func(t *testing.T) RunStore {
		// A fresh database per test keeps the suite isolated.
		db := "runflow_" + uuid.NewString()[:8]
		s, err := OpenMongo(context.Background(), uri, WithKeyPrefix(db))
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = s.client.Database(db).Drop(context.Background())
		})
		return s
	}})
}
