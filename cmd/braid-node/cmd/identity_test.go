package cmd

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/braidmesh/braid-gossip/model/identity"
)

// execute runs the root command with args and returns its standard output lines.
func execute(t *testing.T, args ...string) []string {
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.Execute(), errOut.String())
	return strings.Split(strings.TrimSpace(out.String()), "\n")
}

func TestIdentityCommand(t *testing.T) {
	bob := identity.Resolve("bob")

	lines := execute(t, "identity", "--name", "bob", "--export=false")
	require.Len(t, lines, 1)
	assert.Equal(t, bob.ID().String(), lines[0])

	lines = execute(t, "identity", "--name", "bob", "--export")
	require.Len(t, lines, 2)
	assert.Equal(t, bob.ID().String(), lines[0])

	// the exported key round trips through --identity
	raw, err := hex.DecodeString(lines[1])
	require.NoError(t, err)
	exported, err := identity.ResolveOverride(raw)
	require.NoError(t, err)
	assert.True(t, bob.Equal(exported))

	lines = execute(t, "identity", "--name", "carol", "--identity", lines[1], "--export=false")
	require.Len(t, lines, 1)
	assert.Equal(t, bob.ID().String(), lines[0])
}
