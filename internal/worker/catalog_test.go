package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog_KnowsCoreServices(t *testing.T) {
	c := DefaultCatalog()
	svc, ok := c.Get("netflix")
	require.True(t, ok)
	assert.Equal(t, "https://www.netflix.com/", svc.SignInURL)
}

func TestDefaultCatalog_UnknownServiceNotFound(t *testing.T) {
	c := DefaultCatalog()
	_, ok := c.Get("no-such-service")
	assert.False(t, ok)
}

func TestPlanTierFor_RequestedTierHonoredWhenValid(t *testing.T) {
	c := DefaultCatalog()
	assert.Equal(t, "premium", c.PlanTierFor("netflix", "premium"))
}

func TestPlanTierFor_InvalidRequestFallsBackToFirstTier(t *testing.T) {
	c := DefaultCatalog()
	assert.Equal(t, "standard", c.PlanTierFor("netflix", "ultra-deluxe"))
}

func TestPlanTierFor_ServiceWithNoTiersReturnsRequested(t *testing.T) {
	c := DefaultCatalog()
	assert.Equal(t, "", c.PlanTierFor("max", ""))
}
