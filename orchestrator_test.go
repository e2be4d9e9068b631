package main

import (
	"context"
	"testing"

	"auto_ibkr_go/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveMode(t *testing.T) {
	cfg := config.NewConfig()
	cfg.ScaleInEnabled = true

	engine, guardian, err := resolveMode(cfg, ModeAll)
	require.NoError(t, err)
	assert.True(t, engine)
	assert.False(t, guardian)

	_, _, err = resolveMode(cfg, ModeGuardian)
	assert.Error(t, err)

	engine, guardian, err = resolveMode(cfg, ModeFlatten)
	require.NoError(t, err)
	assert.False(t, engine)
	assert.False(t, guardian)

	_, _, err = resolveMode(cfg, "yolo")
	assert.Error(t, err)
}

func TestFlattenModeInSimulation(t *testing.T) {
	cfg := config.NewConfig()
	cfg.UseSimulation = true
	cfg.Monitor.Enabled = false
	cfg.Normal.FillTimeoutSeconds = 1

	o, err := NewOrchestrator(cfg, ModeFlatten)
	require.NoError(t, err)
	assert.Nil(t, o.engine)
	assert.Nil(t, o.guardian)

	require.NoError(t, o.Flatten(context.Background()))
	o.Stop()
	o.Stop()
}
