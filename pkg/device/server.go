package device

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	jsonpatch "github.com/evanphx/json-patch"
	"github.com/gin-gonic/gin"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/validation/field"
	"k8s.io/klog/v2"
	"lumentree/pkg/apis"
	"lumentree/pkg/apis/response"
	lumentreeruntime "lumentree/pkg/protocol/lumentree/runtime"
	"lumentree/pkg/runtime"
	"lumentree/pkg/telemetry"
)

func InstallHandler(group *gin.RouterGroup, mgr *Manager) {
	group.GET("/devices", listDevices(mgr))
	group.GET("/devices/:id", getDeviceById(mgr))
	group.PUT("/devices/:id", watchDeviceById(mgr))
	group.PATCH("/devices/:id", patchDeviceById(mgr))
	group.DELETE("/devices/:id", unwatchDeviceById(mgr))
	group.PUT("/devices/:id/switch/:to", switchDevice(mgr))
	group.GET("/devices/:id/telemetry", getTelemetryWindow(mgr))
	group.GET("/devices/:id/telemetry/latest", getLatestTelemetry(mgr))
}

func listDevices(mgr *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Request.Body.Close()

		filter := runtime.DeviceFilter{}
		if v := c.Query(apis.Filter); len(v) > 0 {
			if err := json.Unmarshal([]byte(v), &filter); err != nil {
				c.JSON(http.StatusBadRequest, response.NewMultiError(response.ErrMalformedJSON))
				return
			}
		}
		c.JSON(http.StatusOK, &runtime.ResponseModel{Devices: mgr.ListDevices(&filter)})
	}
}

func getDeviceById(mgr *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Request.Body.Close()

		st, err := mgr.GetDeviceById(c.Param("id"))
		if err != nil {
			if os.IsNotExist(err) {
				c.Status(http.StatusNotFound)
			} else {
				c.Status(http.StatusInternalServerError)
			}
			return
		}
		c.Header(apis.ETag, st.Version)
		c.JSON(http.StatusOK, st)
	}
}

// decodeSpec reads an optional DeviceSpec body. An empty body yields nil.
func decodeSpec(c *gin.Context) (*runtime.DeviceSpec, error) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, response.ErrRequestBody
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	spec := &runtime.DeviceSpec{}
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(spec); err != nil {
		klog.V(3).InfoS("Failed to decode device spec", "error", err)
		return nil, response.ErrMalformedJSON
	}
	return spec, nil
}

func watchDeviceById(mgr *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Request.Body.Close()

		id := c.Param("id")
		if errs := runtime.ValidateDeviceId(id, field.NewPath("id")); len(errs) > 0 {
			c.JSON(http.StatusBadRequest, response.FromFieldErrors(errs))
			return
		}
		spec, err := decodeSpec(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, response.NewMultiError(err))
			return
		}
		watch(c, mgr, id, func() error {
			return mgr.Watch(c.Request.Context(), id, spec)
		})
	}
}

func switchDevice(mgr *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Request.Body.Close()

		from, to := c.Param("id"), c.Param("to")
		if errs := runtime.ValidateDeviceId(to, field.NewPath("to")); len(errs) > 0 {
			c.JSON(http.StatusBadRequest, response.FromFieldErrors(errs))
			return
		}
		spec, err := decodeSpec(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, response.NewMultiError(err))
			return
		}
		watch(c, mgr, to, func() error {
			return mgr.Switch(c.Request.Context(), from, to, spec)
		})
	}
}

// watch runs start and answers with the device status: 200 once polling, 202
// while a connect is still in flight or left to the reconnector.
func watch(c *gin.Context, mgr *Manager, id string, start func() error) {
	err := start()
	switch {
	case err == nil:
	case errors.Is(err, lumentreeruntime.ErrStartInProgress):
	case errors.Is(err, ErrManagerStopped):
		c.Status(http.StatusServiceUnavailable)
		return
	default:
		klog.V(2).InfoS("Failed to watch device", "deviceId", id, "error", err)
		c.JSON(http.StatusBadGateway, response.NewMultiError(response.ErrWatchFailed(id, err)))
		return
	}

	st, gerr := mgr.GetDeviceById(id)
	if gerr != nil {
		c.Status(http.StatusNotFound)
		return
	}
	c.Header(apis.ETag, st.Version)
	urlPath := c.Request.URL.Path
	if idx := strings.Index(urlPath, "/devices/"); idx >= 0 {
		c.Header(apis.Location, fmt.Sprintf("https://%s%s/devices/%s", c.Request.Host, urlPath[:idx], id))
	}
	if st.Online {
		c.JSON(http.StatusOK, st)
	} else {
		c.JSON(http.StatusAccepted, st)
	}
}

func patchDeviceById(mgr *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Request.Body.Close()

		contentType := c.GetHeader("Content-Type")
		// Remove "; charset=" if included in header.
		if idx := strings.Index(contentType, ";"); idx > 0 {
			contentType = contentType[:idx]
		}

		if !patchTypes.Has(contentType) {
			c.Status(http.StatusUnsupportedMediaType)
			return
		}

		eTag := c.GetHeader(apis.IfMatch)
		if len(eTag) == 0 {
			c.Status(http.StatusPreconditionRequired)
			return
		}

		patchBytes, err := io.ReadAll(c.Request.Body)
		if err != nil {
			klog.V(3).InfoS("Failed to read", "error", err)
			c.Status(http.StatusInternalServerError)
			return
		}

		id := c.Param("id")
		old, err := mgr.GetDeviceById(id)
		if err != nil {
			c.Status(http.StatusNotFound)
			return
		}

		versionedJS, err := json.Marshal(old.Spec)
		if err != nil {
			klog.V(3).InfoS("Failed to marshal", "error", err)
			c.Status(http.StatusInternalServerError)
			return
		}

		patchedJS, err := applyJSPatch(types.PatchType(contentType), patchBytes, versionedJS)
		if err != nil {
			c.JSON(http.StatusBadRequest, response.NewMultiError(err))
			return
		}

		spec := runtime.DeviceSpec{}
		if err := json.NewDecoder(bytes.NewBuffer(patchedJS)).Decode(&spec); err != nil {
			klog.V(3).InfoS("Failed to decode", "error", err)
			c.JSON(http.StatusBadRequest, response.NewMultiError(response.ErrMalformedJSON))
			return
		}

		updated, err := mgr.UpdateSpec(id, eTag, spec)
		if err != nil {
			switch {
			case os.IsNotExist(err):
				c.Status(http.StatusNotFound)
			case errors.Is(err, apis.ErrMismatch):
				c.Status(http.StatusPreconditionFailed)
			default:
				c.Status(http.StatusInternalServerError)
			}
			return
		}

		c.Header(apis.ETag, updated.Version)
		c.JSON(http.StatusOK, updated)
	}
}

func unwatchDeviceById(mgr *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Request.Body.Close()

		id := c.Param("id")
		if err := mgr.Unwatch(id); err != nil {
			if os.IsNotExist(err) {
				c.Status(http.StatusNotFound)
			} else {
				c.Status(http.StatusInternalServerError)
			}
			return
		}
		if forget, _ := strconv.ParseBool(c.Query("forget")); forget {
			mgr.Forget(id)
		}
		c.Status(http.StatusNoContent)
	}
}

func getLatestTelemetry(mgr *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Request.Body.Close()

		id := c.Param("id")
		view, ok := mgr.Latest(id)
		if !ok {
			c.JSON(http.StatusNotFound, response.NewMultiError(response.ErrResourceNotFound("telemetry of "+id)))
			return
		}
		c.JSON(http.StatusOK, view)
	}
}

func getTelemetryWindow(mgr *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Request.Body.Close()

		id := c.Param("id")
		if !mgr.Known(id) {
			c.JSON(http.StatusNotFound, response.NewMultiError(response.ErrDeviceNotWatched(id)))
			return
		}

		var since time.Time
		if v := c.Query(apis.Since); len(v) > 0 {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				c.JSON(http.StatusBadRequest, response.NewMultiError(response.ErrInvalidTime(v, err)))
				return
			}
			since = t
		}

		samples := mgr.Window(id, since)
		v := c.Query(apis.Select)
		if len(v) == 0 {
			c.JSON(http.StatusOK, &runtime.ResponseModel{Samples: samples})
			return
		}

		names := strings.Split(v, ",")
		if _, err := telemetry.Select(lumentreeruntime.TelemetrySample{}, names); err != nil {
			var unknown *telemetry.UnknownFieldsError
			if errors.As(err, &unknown) {
				c.JSON(http.StatusBadRequest, response.NewMultiError(response.ErrUnknownFields(unknown.Names)))
			} else {
				c.Status(http.StatusInternalServerError)
			}
			return
		}
		selected := make([]map[string]interface{}, 0, len(samples))
		for _, sample := range samples {
			fields, err := telemetry.Select(sample, names)
			if err != nil {
				c.Status(http.StatusInternalServerError)
				return
			}
			selected = append(selected, fields)
		}
		c.JSON(http.StatusOK, &runtime.ResponseModel{Samples: selected})
	}
}

func applyJSPatch(patchType types.PatchType, patchBytes, versionedJS []byte) (patchedJS []byte, err error) {
	switch patchType {
	case types.JSONPatchType:
		patchObj, err := jsonpatch.DecodePatch(patchBytes)
		if err != nil {
			return nil, response.ErrMalformedJSON
		}
		if len(patchObj) > maxJSONPatchOperations {
			klog.V(3).InfoS("Too many json patch operations", "count", len(patchObj))
			return nil, response.ErrTooManyJsonPatchOperations(maxJSONPatchOperations)
		}
		patchedJS, err := patchObj.Apply(versionedJS)
		if err != nil {
			klog.V(3).InfoS("Failed to apply json patch", "error", err)
			return nil, response.ErrMalformedJSON
		}
		return patchedJS, nil
	case types.MergePatchType:
		patchedJS, err = jsonpatch.MergePatch(versionedJS, patchBytes)
		if err != nil {
			klog.V(3).InfoS("Failed to apply json merge patch", "error", err)
			return nil, response.ErrMalformedJSON
		}
		return patchedJS, err
	default:
		// only here as a safety net - gin filters content-type
		return nil, fmt.Errorf("unknown Content-Type header for patch: %v", patchType)
	}
}
