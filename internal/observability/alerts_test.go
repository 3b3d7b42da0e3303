package observability

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type alertRule struct {
	Alert       string            `yaml:"alert"`
	Expr        string            `yaml:"expr"`
	For         string            `yaml:"for"`
	Labels      map[string]string `yaml:"labels"`
	Annotations map[string]string `yaml:"annotations"`
}

type alertGroup struct {
	Name  string      `yaml:"name"`
	Rules []alertRule `yaml:"rules"`
}

type alertSpec struct {
	Groups []alertGroup `yaml:"groups"`
}

func TestPayrollSyncAlertRules(t *testing.T) {
	path := filepath.Join("..", "..", "deploy", "prometheus", "alerts", "payroll-sync.yml")
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var spec alertSpec
	require.NoError(t, yaml.Unmarshal(data, &spec))
	require.Len(t, spec.Groups, 1)
	group := spec.Groups[0]
	require.Equal(t, "payroll-sync", group.Name)

	expected := map[string]string{
		"HighErrorRate":      "critical",
		"SyncFailuresRising": "warning",
		"AgentSilent":        "warning",
		"SweepFailing":       "warning",
	}
	require.Len(t, group.Rules, len(expected))

	for _, rule := range group.Rules {
		severity, ok := expected[rule.Alert]
		require.True(t, ok, "unexpected rule %q", rule.Alert)
		assert.Equal(t, severity, rule.Labels["severity"], rule.Alert)
		assert.Contains(t, rule.Annotations["runbook"], "docs/runbook-payroll-sync.md#", rule.Alert)
		assert.NotEmpty(t, rule.Annotations["summary"], rule.Alert)
		assert.NotEmpty(t, rule.Annotations["description"], rule.Alert)
		assert.NotEmpty(t, rule.Expr, rule.Alert)
		assert.NotEmpty(t, rule.For, rule.Alert)
		assert.Contains(t, rule.Expr, "payrollsync_", rule.Alert)
	}
}
