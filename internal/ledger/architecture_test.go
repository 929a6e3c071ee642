package ledger

import (
	"testing"

	"agritrace/testutil"
)

func TestGatewayContractIsDriverFree(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.AnyOf(
		testutil.DriverImportForbidden,
		testutil.TransportImportForbidden,
	), "drivers implement Gateway, not the other way round")
}
