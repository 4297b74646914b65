package gateway

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/stretchr/testify/assert"
)

func newTestRouter(mgr *Manager) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	InstallHandler(router.Group("/api/v1"), mgr)
	return router
}

func fakeManager() *Manager {
	m := NewGatewayManager(WithID("gw-1"))
	m.cpuPercent = func() ([]float64, error) { return []float64{12.5, 50}, nil }
	m.memUsage = func() (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{Total: 1024, Used: 256, UsedPercent: 25}, nil
	}
	m.diskUsage = func(string) (*disk.UsageStat, error) {
		return nil, errors.New("no disk")
	}
	return m
}

func serve(router *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	router.ServeHTTP(w, req)
	return w
}

func TestGatewayMeta(t *testing.T) {
	w := serve(newTestRouter(fakeManager()), "/api/v1/gatewayMeta")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "gw-1", w.Header().Get("ETag"))
	assert.Contains(t, w.Body.String(), `"id":"gw-1"`)
	assert.Contains(t, w.Body.String(), `"name":"lumentree"`)
}

func TestGatewayCpuAndMem(t *testing.T) {
	router := newTestRouter(fakeManager())

	w := serve(router, "/api/v1/gatewayCpu")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"cpus":["12.50","50.00"]}`, w.Body.String())

	w = serve(router, "/api/v1/gatewayMem")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"mem":{"total":"1024","used":"256","usedPercent":"25.00"}}`, w.Body.String())
}

func TestGatewayDiskError(t *testing.T) {
	w := serve(newTestRouter(fakeManager()), "/api/v1/gatewayDisk")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestGeneratedId(t *testing.T) {
	a := NewGatewayManager().GetGatewayMeta().ID
	b := NewGatewayManager(WithID("")).GetGatewayMeta().ID
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}
