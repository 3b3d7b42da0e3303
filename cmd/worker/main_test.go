package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/payroll-sync/internal/app"
	_ "github.com/odyssey-erp/payroll-sync/internal/testing/guard"
)

func TestMainSkipsStartupInTestMode(t *testing.T) {
	require.True(t, app.InTestMode())
	main()
}
