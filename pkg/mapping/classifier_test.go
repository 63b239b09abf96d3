package mapping

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRuleset() *Ruleset {
	return &Ruleset{
		PropertyTypes: []PropertyTypeRule{
			{Name: "windowscomputer", SearchFilter: "(&(objectClass=computer)(sAMAccountName=*$))", SyncMode: SyncModeSync},
			{Name: "user", SearchFilter: "(&(objectClass=user)(!(objectClass=computer)))", SyncMode: SyncModeSync},
			{Name: "group", SearchFilter: "(objectClass=group)", SyncMode: SyncModeSync},
		},
	}
}

func TestClassify_FirstMatchWins(t *testing.T) {
	c, err := NewClassifier(testRuleset())
	require.NoError(t, err)

	// A computer entry also carries objectClass user in AD; declaration
	// order decides.
	rule := c.Classify(entryAttrs(map[string][]string{
		"objectClass":    {"top", "user", "computer"},
		"sAMAccountName": {"WS01$"},
	}))
	require.NotNil(t, rule)
	assert.Equal(t, "windowscomputer", rule.Name)
}

func TestClassify_User(t *testing.T) {
	c, err := NewClassifier(testRuleset())
	require.NoError(t, err)

	rule := c.Classify(entryAttrs(map[string][]string{
		"objectClass":    {"top", "user"},
		"sAMAccountName": {"alice"},
	}))
	require.NotNil(t, rule)
	assert.Equal(t, "user", rule.Name)
}

func TestClassify_NoMatch(t *testing.T) {
	c, err := NewClassifier(testRuleset())
	require.NoError(t, err)

	rule := c.Classify(entryAttrs(map[string][]string{
		"objectClass": {"dnsNode"},
	}))
	assert.Nil(t, rule)
}

func TestNewClassifier_BadFilter(t *testing.T) {
	rs := &Ruleset{PropertyTypes: []PropertyTypeRule{
		{Name: "broken", SearchFilter: "(objectClass=", SyncMode: SyncModeSync},
	}}
	_, err := NewClassifier(rs)
	assert.Error(t, err)
}
