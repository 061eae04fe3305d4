package component

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func def(name string, phase Phase, risk Risk) Definition {
	return Definition{
		Name:          name,
		Phase:         phase,
		Risk:          risk,
		TargetVersion: "1.0.0",
		Binary:        "/usr/local/bin/" + name,
		Installer:     "/opt/stackup/install/" + name + ".sh",
	}
}

func TestRegistryOrdering(t *testing.T) {
	reg, err := NewRegistry(
		def("prometheus", PhaseCore, RiskHigh),
		def("node_exporter", PhaseExporters, RiskLow),
		def("grafana", PhaseAuxiliary, RiskMedium),
		def("mysqld_exporter", PhaseExporters, RiskLow),
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"mysqld_exporter", "node_exporter", "prometheus", "grafana"}, reg.Names())
	assert.Len(t, reg.ByPhase(PhaseExporters), 2)
	assert.Equal(t, 4, reg.Len())

	d, ok := reg.Get("prometheus")
	require.True(t, ok)
	assert.Equal(t, "prometheus", d.ServiceName())
	_, ok = reg.Get("loki")
	assert.False(t, ok)

	groups := GroupByPhase(reg.All())
	require.Len(t, groups, 3)
	assert.Equal(t, PhaseCore, groups[1][0].Phase)
}

func TestValidate(t *testing.T) {
	good := def("node_exporter", PhaseExporters, RiskLow)
	require.NoError(t, good.Validate())

	cases := map[string]func(d *Definition){
		"bad name":        func(d *Definition) { d.Name = "../etc" },
		"bad phase":       func(d *Definition) { d.Phase = 4 },
		"bad risk":        func(d *Definition) { d.Risk = "extreme" },
		"bad target":      func(d *Definition) { d.TargetVersion = "latest" },
		"no installer":    func(d *Definition) { d.Installer = "" },
		"relative binary": func(d *Definition) { d.Binary = "bin/node_exporter" },
		"no detection":    func(d *Definition) { d.Binary = ""; d.VersionCommand = "" },
	}
	for name, mutate := range cases {
		d := good
		mutate(&d)
		assert.Error(t, d.Validate(), name)
	}

	_, err := NewRegistry(good, good)
	assert.ErrorContains(t, err, "duplicate")
}

func TestPhaseProperties(t *testing.T) {
	assert.True(t, PhaseCore.AbortOnFailure())
	assert.False(t, PhaseExporters.AbortOnFailure())
	assert.Equal(t, "auxiliary", PhaseAuxiliary.String())
	assert.False(t, Phase(0).Valid())
}
