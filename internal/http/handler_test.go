package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parkgate/internal/config"
	"parkgate/internal/domain/parking"
	"parkgate/internal/service"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	manager, err := service.NewSessionManager(
		service.ManagerConfig{
			Tariff: parking.Tariff{Bands: []parking.TariffBand{{ThresholdMinutes: 0, Rate: 0}}},
		},
		nil, nil, nil, nil, nil, zerolog.Nop(),
	)
	require.NoError(t, err)

	handler := NewHandler(manager, nil, nil, nil, nil, &config.Config{}, zerolog.Nop())
	router := gin.New()
	handler.Register(router, func(c *gin.Context) { c.Next() })
	return router
}

func postRecognition(router *gin.Engine, payload map[string]interface{}) *httptest.ResponseRecorder {
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/recognitions", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestCreateRecognitionAcceptsValidPlate(t *testing.T) {
	router := newTestRouter(t)

	rec := postRecognition(router, map[string]interface{}{
		"plate":      "MH 12 AB 1234",
		"channel":    "entry",
		"confidence": 0.91,
		"camera_id":  "gate-1",
	})

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "MH12AB1234", resp["plate"])
}

func TestCreateRecognitionRejectsMalformedPlate(t *testing.T) {
	router := newTestRouter(t)

	// Signage text an on-device recognizer sometimes reports.
	rec := postRecognition(router, map[string]interface{}{
		"plate":      "EXIT",
		"channel":    "exit",
		"confidence": 0.99,
		"camera_id":  "gate-2",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "registration format")
}

func TestCreateRecognitionRejectsEmptyPlate(t *testing.T) {
	router := newTestRouter(t)

	rec := postRecognition(router, map[string]interface{}{
		"plate":   "!!--",
		"channel": "entry",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateRecognitionRejectsUnknownChannel(t *testing.T) {
	router := newTestRouter(t)

	rec := postRecognition(router, map[string]interface{}{
		"plate":      "MH12AB1234",
		"channel":    "sideways",
		"confidence": 0.9,
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
