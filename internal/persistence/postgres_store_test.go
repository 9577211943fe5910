package persistence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/petrijr/runflow/internal/testutil"
)

func TestPostgresStoreSuite(t *testing.T) {
	dsn := testutil.GetPostgresDSN(t)

	suite.Run(t, &RunStoreSuite{newStore: func(t *testing.T) RunStore {
		ctx := context.Background()
		s, err := OpenPostgres(ctx, dsn)
		require.NoError(t, err)
		_, err = s.db.ExecContext(ctx, `TRUNCATE runs, steps, trace_events`)
		require.NoError(t, err)
		return s
	}})
}
