// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/absmach/fluxhub/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransportCredentials(t *testing.T) {
	cfg := config.Default().Server

	creds, err := transportCredentials(cfg)
	require.NoError(t, err)
	assert.Nil(t, creds, "insecure export uses plaintext")

	cfg.OtelInsecure = false
	creds, err = transportCredentials(cfg)
	require.NoError(t, err)
	require.NotNil(t, creds)
	assert.Equal(t, "tls", creds.Info().SecurityProtocol)

	cfg.OtelTLSCAFile = filepath.Join(t.TempDir(), "missing.pem")
	_, err = transportCredentials(cfg)
	assert.ErrorContains(t, err, "missing.pem")
}

func TestExportInterval(t *testing.T) {
	cfg := config.ServerConfig{}
	assert.Equal(t, defaultExportInterval, exportInterval(cfg))

	cfg.OtelExportInterval = 2 * time.Second
	assert.Equal(t, 2*time.Second, exportInterval(cfg))
}

func TestInitProviderDisabled(t *testing.T) {
	cfg := config.Default().Server
	cfg.OtelMetricsEnabled = false
	cfg.OtelTracesEnabled = false

	shutdown, err := InitProvider(cfg, "hub-test")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitProviderBadCA(t *testing.T) {
	cfg := config.Default().Server
	cfg.OtelInsecure = false
	cfg.OtelTLSCAFile = filepath.Join(t.TempDir(), "missing.pem")

	_, err := InitProvider(cfg, "hub-test")
	assert.Error(t, err)
}
