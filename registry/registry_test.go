package registry_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketspine/core"
	"marketspine/registry"
)

func stubFactory(ctx core.ExecutionContext, params core.Params) core.Pipeline {
	return nil
}

func TestRegisterAndGet(t *testing.T) {
	r := registry.NewPipelineRegistry()
	require.NoError(t, r.Register("finra.otc_transparency.ingest_week", stubFactory))

	factory, err := r.Get("finra.otc_transparency.ingest_week")
	require.NoError(t, err)
	assert.NotNil(t, factory)
}

func TestDuplicateRegistrationFails(t *testing.T) {
	r := registry.NewPipelineRegistry()
	require.NoError(t, r.Register("finra.ingest", stubFactory))

	err := r.Register("finra.ingest", stubFactory)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrDuplicateRegistration))
	assert.Equal(t, core.CategoryInternal, core.CategoryOf(err))
}

func TestGetMissingFails(t *testing.T) {
	r := registry.NewPipelineRegistry()
	_, err := r.Get("does.not.exist")
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrPipelineNotFound))
}

func TestListIsSortedAndScopedByDomain(t *testing.T) {
	r := registry.NewPipelineRegistry()
	require.NoError(t, r.Register("finra.b", stubFactory))
	require.NoError(t, r.Register("finra.a", stubFactory))
	require.NoError(t, r.Register("prices.a", stubFactory))

	assert.Equal(t, []string{"finra.a", "finra.b", "prices.a"}, r.List())
	assert.Equal(t, []string{"finra.a", "finra.b"}, r.ListByDomain("finra."))
}

func TestDomainRegistriesAreIsolated(t *testing.T) {
	finraPipelines := registry.NewPipelineRegistry()
	pricesPipelines := registry.NewPipelineRegistry()

	require.NoError(t, finraPipelines.Register("ingest_week", stubFactory))

	_, err := pricesPipelines.Get("ingest_week")
	require.Error(t, err, "registering into one domain's registry must not leak into another's")
}
