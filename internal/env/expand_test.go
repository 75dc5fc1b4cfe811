package env

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustExpand(t *testing.T, text string, vars Map) string {
	t.Helper()
	out, err := expandText(context.Background(), text, vars, ExpandOptions{})
	require.NoError(t, err)
	return out
}

func TestExpandBraced(t *testing.T) {
	require.Equal(t, "TEST_VALUE", mustExpand(t, "${TEST}", Map{"TEST": "TEST_VALUE"}))
}

func TestExpandSimpleVariable(t *testing.T) {
	require.Equal(t, "   TEST_VALUE   ", mustExpand(t, "   $TEST   ", Map{"TEST": "TEST_VALUE"}))
}

func TestExpandMultipleVariables(t *testing.T) {
	vars := Map{
		"TES_":  "TES_VALUE",
		"TEST1": "TEST_VALUE1",
		"TEST2": "TEST_VALUE2",
		"TEST3": "TEST_VALUE3",
	}
	got := mustExpand(t, `$TES_-$TEST1-$TEST2-${TEST3}-${TEST4:-DEFAULT_VALUE{}}`, vars)
	require.Equal(t, "TES_VALUE-TEST_VALUE1-TEST_VALUE2-TEST_VALUE3-DEFAULT_VALUE{}", got)
}

func TestExpandUnsetFallback(t *testing.T) {
	require.Equal(t, "DEFAULT_VALUE    ", mustExpand(t, "${TEST-DEFAULT_VALUE    }", Map{}))
}

func TestExpandUnsetNestedFallback(t *testing.T) {
	require.Equal(t, "DEFAULT_VALUE", mustExpand(t, "${TEST-${TEST2-${TEST3-DEFAULT_VALUE}}}", Map{}))
}

func TestExpandUnsetOrEmptyFallback(t *testing.T) {
	require.Equal(t, "DEFAULT_VALUE", mustExpand(t, "${TEST:-DEFAULT_VALUE}", Map{}))
}

func TestExpandUnsetOrEmptyFallbackUsedWhenEmpty(t *testing.T) {
	require.Equal(t, "DEFAULT_VALUE", mustExpand(t, "${TEST:-DEFAULT_VALUE}", Map{"TEST": ""}))
}

func TestExpandUnsetFallbackNotUsedWhenEmpty(t *testing.T) {
	require.Equal(t, "", mustExpand(t, "${TEST-DEFAULT_VALUE}", Map{"TEST": ""}))
}

func TestMultipleExpansionsOfSameKey(t *testing.T) {
	require.Equal(t, "TEST_VALUE__TEST_VALUE", mustExpand(t, "${TEST}__${TEST}", Map{"TEST": "TEST_VALUE"}))
}

func TestEscapedExpansion(t *testing.T) {
	require.Equal(t, "${TEST}TEST_VALUE", mustExpand(t, `\${TEST}${TEST}`, Map{"TEST": "TEST_VALUE"}))
}

func TestCommandExpansionDisabledByDefault(t *testing.T) {
	out := mustExpand(t, "$(echo TEST_VALUE)", Map{})
	require.Equal(t, "$(echo TEST_VALUE)", out)
}

func TestCommandExpansionEnabled(t *testing.T) {
	out, err := expandText(context.Background(), "$(echo TEST_VALUE)", Map{}, ExpandOptions{AllowExec: true, Cwd: "."})
	require.NoError(t, err)
	require.Contains(t, out, "TEST_VALUE")
}
