package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"restorapi/model"
	"restorapi/results"
)

func TestHandleModels(t *testing.T) {
	ts := setupTestRouter(t, nil)

	w := ts.do(httptest.NewRequest("GET", "/api/v1/models/strategy", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"loadAllOnStartup":false}`, w.Body.String())

	// Three jobs hold the model.
	var handles []*model.Handle
	for i := 0; i < 3; i++ {
		h, err := ts.svc.Models.Acquire(context.Background(), "denoise_b")
		require.NoError(t, err)
		handles = append(handles, h)
	}

	w = ts.do(httptest.NewRequest("GET", "/api/v1/models", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var status struct {
		Models []model.ModelStatus `json:"models"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	require.Len(t, status.Models, 2)
	assert.Equal(t, "deblur_b", status.Models[0].Key)
	assert.False(t, status.Models[0].Loaded)
	assert.Equal(t, "denoise_b", status.Models[1].Key)
	assert.True(t, status.Models[1].Loaded)
	assert.Equal(t, 3, status.Models[1].RefCount)

	w = ts.postJSON("/api/v1/models/unload", gin.H{"keys": []string{}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"unloadedModels":[],"skippedModels":["denoise_b"]}`, w.Body.String())

	for _, h := range handles {
		h.Release()
	}

	w = ts.postJSON("/api/v1/models/unload", gin.H{"keys": []string{}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"unloadedModels":["denoise_b"],"skippedModels":[]}`, w.Body.String())
	assert.False(t, ts.svc.Models.Status()[1].Loaded)
}

func TestHandleCache(t *testing.T) {
	ts := setupTestRouter(t, nil)
	store, tracker := ts.svc.Store, ts.svc.Tracker

	require.NoError(t, store.WriteFile("images/denoise/processed/old.jpg", make([]byte, 2048)))
	require.NoError(t, store.WriteFile("images/denoise/processed/fresh.jpg", make([]byte, 1024)))
	require.NoError(t, store.WriteFile("videos/denoise/uploads/running.mp4", make([]byte, 4096)))
	tracker.Register("images/denoise/processed/fresh.jpg", results.Image, "t-fresh")
	tracker.MarkInProgress("videos/denoise/uploads/running.mp4")

	w := ts.do(httptest.NewRequest("GET", "/api/v1/cache", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, 0.0, status["imageCacheMb"])
	assert.Equal(t, 1.0, status["trackedFiles"])
	assert.Equal(t, map[string]interface{}{"image": 3072.0, "video": 4096.0}, status["bytesByFileType"])

	w = ts.postJSON("/api/v1/cache/clear", gin.H{"fileTypes": []string{"audio"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.postJSON("/api/v1/cache/clear", gin.H{"fileTypes": []string{}})
	require.Equal(t, http.StatusOK, w.Code)
	var res results.SweepResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, results.SweepResult{Deleted: 1, SkippedInProgress: 1, SkippedAwaitingDownload: 1}, res)

	assert.False(t, store.Exists("images/denoise/processed/old.jpg"))
	assert.True(t, store.Exists("images/denoise/processed/fresh.jpg"))
	assert.True(t, store.Exists("videos/denoise/uploads/running.mp4"))
}

func TestHandleClearCache_NoBody(t *testing.T) {
	ts := setupTestRouter(t, nil)
	require.NoError(t, ts.svc.Store.WriteFile("videos/x/processed/a.mp4", []byte("a")))

	req := httptest.NewRequest("POST", "/api/v1/cache/clear", nil)
	w := ts.do(req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Eventually(t, func() bool { return !ts.svc.Store.Exists("videos/x/processed/a.mp4") }, time.Second, 10*time.Millisecond)
}
