package feehook

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-treasury/pkg/middleware"
)

func serveAs(t *testing.T, hook *Hook, caller common.Address, method string, body any) (*httptest.ResponseRecorder, json.RawMessage) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	handlers := NewGinHandlers(hook)
	router := gin.New()
	router.Use(func(c *gin.Context) {
		c.Set(middleware.ContextCaller, caller)
		c.Next()
	})
	router.GET("/fee-hook", handlers.GetHookHandler())
	router.PUT("/fee-hook/recipient", handlers.SetRecipientHandler())

	path := "/fee-hook"
	var buf bytes.Buffer
	if body != nil {
		path += "/recipient"
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var env struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return w, env.Data
}

func TestHookHandlers(t *testing.T) {
	f := newFixture(t)
	next := common.HexToAddress("0x000000000000000000000000000000000000beef")

	w, data := serveAs(t, f.hook, trader, http.MethodGet, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var view View
	require.NoError(t, json.Unmarshal(data, &view))
	require.Equal(t, hookAddress, view.Address)
	require.Equal(t, uint32(10_000), view.FeePercent)
	require.Equal(t, uint32(FeeDenominator), view.FeeDenominator)
	require.Equal(t, recipient, view.Recipient)

	w, _ = serveAs(t, f.hook, trader, http.MethodPut, gin.H{"recipient": next})
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, recipient, f.hook.Recipient())

	w, _ = serveAs(t, f.hook, recipient, http.MethodPut, gin.H{"recipient": common.Address{}})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = serveAs(t, f.hook, recipient, http.MethodPut, gin.H{"recipient": next})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, next, f.hook.Recipient())
}
