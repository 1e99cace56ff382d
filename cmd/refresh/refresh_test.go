package refresh

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/docrel/docrel/pkg/storage"
)

func TestRefreshRequiresFlags(t *testing.T) {
	cmd := NewRefreshCommand()
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true
	cmd.SetArgs([]string{})
	require.ErrorContains(t, cmd.Execute(), "required")
}

func TestRefreshFlagDefaults(t *testing.T) {
	cmd := NewRefreshCommand()
	flags := cmd.Flags()

	batchSize, err := flags.GetInt64(batchSizeFlag)
	require.NoError(t, err)
	require.EqualValues(t, storage.DefaultPageSize, batchSize)

	dryRun, err := flags.GetBool(dryRunFlag)
	require.NoError(t, err)
	require.False(t, dryRun)
}
