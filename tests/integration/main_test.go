package integration_test

import (
	"os"
	"testing"

	"github.com/audithero/velro-backend-sub004/tests/testutil"
)

func TestMain(m *testing.M) {
	code := m.Run()
	testutil.Teardown()
	os.Exit(code)
}
