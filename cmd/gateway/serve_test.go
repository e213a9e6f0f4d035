package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liuscraft/orion-gateway/internal/config"
	"github.com/liuscraft/orion-gateway/internal/tts"
	"github.com/liuscraft/orion-gateway/internal/voices"
)

func TestAdminHandler(t *testing.T) {
	catalog, err := voices.Builtin()
	require.NoError(t, err)
	h := adminHandler(catalog, func() map[string]int { return map[string]int{"asr_workers": 2} })

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var health struct {
		Status    string         `json:"status"`
		Upstreams map[string]int `json:"upstreams"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 2, health.Upstreams["asr_workers"])

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/voices", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []voices.Voice
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Len(t, listed, len(catalog.All()))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTTSPoolsRequireProviderKeys(t *testing.T) {
	catalog, err := voices.Builtin()
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	_, err = ttsPools(cfg, catalog)
	assert.Error(t, err)

	cfg.TTS.Volc.AppID = "app"
	cfg.TTS.Volc.AccessKey = "key"
	cfg.TTS.DashScope.APIKey = "sk"
	pools, err := ttsPools(cfg, catalog)
	require.NoError(t, err)
	for provider, pool := range pools {
		assert.True(t, catalog.Providers()[provider])
		assert.Equal(t, 0, pool.Len())
		pool.Close()
	}
	assert.Contains(t, pools, tts.ProviderVolcengine)
}

func TestLoadCatalogAppliesDefaultVoice(t *testing.T) {
	cfg := config.DefaultConfig()
	builtin, err := voices.Builtin()
	require.NoError(t, err)
	last := builtin.All()[len(builtin.All())-1]

	cfg.TTS.DefaultVoice = last.ID
	catalog, err := loadCatalog(cfg)
	require.NoError(t, err)
	assert.Equal(t, last.ID, catalog.Default().ID)

	cfg.TTS.DefaultVoice = "no-such-voice"
	_, err = loadCatalog(cfg)
	assert.ErrorIs(t, err, voices.ErrUnknownVoice)
}

func TestServeRefusesWithNothingEnabled(t *testing.T) {
	t.Cleanup(func() { enableTTS, enableASR = true, true })
	rootCmd.SetOut(io.Discard)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs([]string{"serve", "--tts=false", "--asr=false", "--config", "missing.json"})
	err := rootCmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nothing to serve")
	assert.Equal(t, "missing.json", configPath)
}
