package ledger

import (
	"testing"

	"healthcore/testutil"
)

func TestServiceDoesNotImportAdapters(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.AdapterImportForbidden,
		"the service layer must not reach back into transport adapters")
}
