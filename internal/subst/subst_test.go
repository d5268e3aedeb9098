package subst

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolve_FoundAndDefault(t *testing.T) {
	vars := map[string]string{"HOST": "10.0.0.5"}
	r := Resolve("tcp://${HOST}:${PORT:502}", vars)
	require.Equal(t, "tcp://10.0.0.5:502", r.Resolved)
	require.ElementsMatch(t, []string{"HOST", "PORT"}, r.Found)
	require.Empty(t, r.Unresolved)
}

func TestResolve_Unresolved(t *testing.T) {
	r := Resolve("user=${USER}", map[string]string{})
	require.Equal(t, "user=${USER}", r.Resolved)
	require.Equal(t, []string{"USER"}, r.Unresolved)
}

func TestResolve_EmptyDefault(t *testing.T) {
	r := Resolve("${MISSING:}", map[string]string{})
	require.Equal(t, "", r.Resolved)
	require.Equal(t, []string{"MISSING"}, r.Found)
}

func TestResolveObject_RecursesStrings(t *testing.T) {
	obj := map[string]interface{}{
		"host": "${HOST:localhost}",
		"port": 502,
		"nested": map[string]interface{}{
			"topic": "plant/${SITE}/temp",
		},
	}
	out := ResolveObject(obj, map[string]string{"SITE": "A"})
	require.Equal(t, "localhost", out["host"])
	require.Equal(t, 502, out["port"])
	nested := out["nested"].(map[string]interface{})
	require.Equal(t, "plant/A/temp", nested["topic"])
}
