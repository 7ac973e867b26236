package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGlobalDefaults(t *testing.T) {
	assert.Equal(t, uint32(defaultFiberStackSize), Global.FiberStackSize().Get())
	assert.Equal(t, int32(defaultConnectTimeout), Global.TCPConnectTimeout().Get())
}

func TestSetFiresListenersInOrder(t *testing.T) {
	v := newVar("x", int32(1))
	var order []int32
	v.AddListener(func(old, next int32) { order = append(order, old, next) })
	v.AddListener(func(old, next int32) { order = append(order, next*10) })

	v.Set(2)
	assert.Equal(t, []int32{1, 2, 20}, order)
}

func TestLoadYAMLAppliesRecognizedKeysOnly(t *testing.T) {
	r := NewRegistry()
	r.vars[KeyFiberStackSize] = newVar(KeyFiberStackSize, uint32(defaultFiberStackSize))
	r.vars[KeyTCPConnectTimeout] = newVar(KeyTCPConnectTimeout, int32(defaultConnectTimeout))

	dir := t.TempDir()
	path := filepath.Join(dir, "svher.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tcp:\n  connect:\n    timeout: 200\n"), 0o644))

	require.NoError(t, r.LoadYAML(path))
	assert.Equal(t, int32(200), r.TCPConnectTimeout().Get())
	assert.Equal(t, uint32(defaultFiberStackSize), r.FiberStackSize().Get())
}
