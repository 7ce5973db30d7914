package mockapi

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testBackend struct {
	srv     *Server
	handler http.Handler
	userID  string
	now     time.Time
}

func newTestBackend(t *testing.T) *testBackend {
	t.Helper()
	gin.SetMode(gin.TestMode)

	tb := &testBackend{now: time.Now()}
	srv, err := New(Config{Secret: []byte("test-secret"), TokenTTL: time.Hour, Now: func() time.Time { return tb.now }})
	require.NoError(t, err)
	tb.srv = srv
	tb.userID, err = Seed(srv, DefaultFixtures)
	require.NoError(t, err)
	tb.handler = srv.Handler()
	return tb
}

func (tb *testBackend) token(t *testing.T) string {
	t.Helper()
	tok, err := tb.srv.IssueToken(tb.userID)
	require.NoError(t, err)
	return tok
}

func (tb *testBackend) do(method, path, token, productID string, body any) *httptest.ResponseRecorder {
	var payload *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		payload = bytes.NewReader(data)
	} else {
		payload = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, payload)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if productID != "" {
		req.Header.Set(productHeader, productID)
	}
	rec := httptest.NewRecorder()
	tb.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestLogin(t *testing.T) {
	tb := newTestBackend(t)

	rec := tb.do(http.MethodPost, "/api/auth/login", "", "", map[string]string{
		"email": "Demo@Example.com", "password": DefaultFixtures.Password,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.NotEmpty(t, body["token"])
	user := body["user"].(map[string]any)
	assert.Equal(t, tb.userID, user["_id"])
	assert.Len(t, user["productAccess"], 3)

	id, err := tb.srv.parseToken(body["token"].(string))
	require.NoError(t, err)
	assert.Equal(t, tb.userID, id)

	rec = tb.do(http.MethodPost, "/api/auth/login", "", "", map[string]string{"email": "demo@example.com", "password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Invalid credentials", decode(t, rec)["message"])
}

func TestRegister(t *testing.T) {
	tb := newTestBackend(t)
	reg := map[string]string{"email": "new@example.com", "phone": "+1 555", "country": "US", "password": "long enough"}

	rec := tb.do(http.MethodPost, "/api/auth/register", "", "", reg)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "User registered successfully", decode(t, rec)["message"])

	rec = tb.do(http.MethodPost, "/api/auth/register", "", "", reg)
	assert.Equal(t, http.StatusConflict, rec.Code)

	reg["email"] = "not-an-email"
	rec = tb.do(http.MethodPost, "/api/auth/register", "", "", reg)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthRequired(t *testing.T) {
	tb := newTestBackend(t)
	path := "/api/auth/users/" + tb.userID + "/product-access"

	assert.Equal(t, http.StatusUnauthorized, tb.do(http.MethodGet, path, "", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, tb.do(http.MethodGet, path, "garbage", "", nil).Code)

	tok := tb.token(t)
	tb.now = tb.now.Add(2 * time.Hour)
	assert.Equal(t, http.StatusUnauthorized, tb.do(http.MethodGet, path, tok, "", nil).Code, "expired token")
}

func TestProductAccess(t *testing.T) {
	tb := newTestBackend(t)
	tok := tb.token(t)

	rec := tb.do(http.MethodGet, "/api/auth/users/"+tb.userID+"/product-access", tok, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	access := decode(t, rec)["productAccess"].([]any)
	require.Len(t, access, 3)
	first := access[0].(map[string]any)
	assert.Equal(t, "prod-1", first["productId"].(map[string]any)["_id"])
	assert.Equal(t, true, first["isActive"])
	expired := access[2].(map[string]any)
	assert.Equal(t, "prod-expired", expired["productId"].(map[string]any)["_id"])
	assert.Equal(t, true, expired["isExpired"])

	rec = tb.do(http.MethodGet, "/api/auth/users/someone-else/product-access", tok, "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = tb.do(http.MethodPut, "/api/auth/admin/users/"+tb.userID+"/product-access/prod-2", tok, "", map[string]bool{"isActive": true})
	require.Equal(t, http.StatusOK, rec.Code)
	g, ok := tb.srv.Grant(tb.userID, "prod-2")
	require.True(t, ok)
	assert.True(t, g.IsActive)

	rec = tb.do(http.MethodPut, "/api/auth/admin/users/"+tb.userID+"/product-access/missing", tok, "", map[string]bool{"isActive": true})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = tb.do(http.MethodPut, "/api/auth/admin/users/"+tb.userID+"/product-access/prod-2", tok, "", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPageAccess(t *testing.T) {
	tb := newTestBackend(t)
	tok := tb.token(t)

	rec := tb.do(http.MethodGet, "/api/pages/page-restricted", tok, "prod-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode(t, rec)
	assert.Equal(t, "Premium Coaching", page["name"])
	assert.NotEmpty(t, page["userInstructions"])

	for name, tc := range map[string]struct {
		page, product string
		status        int
	}{
		"other product":   {"page-restricted", "prod-2", http.StatusForbidden},
		"expired product": {"page-essay", "prod-expired", http.StatusForbidden},
		"no product":      {"page-essay", "", http.StatusForbidden},
		"unknown page":    {"page-missing", "prod-1", http.StatusNotFound},
	} {
		rec := tb.do(http.MethodGet, "/api/pages/"+tc.page, tok, tc.product, nil)
		assert.Equal(t, tc.status, rec.Code, name)
	}
}

func TestGenerateConsumesUsage(t *testing.T) {
	tb := newTestBackend(t)
	tok := tb.token(t)
	require.NoError(t, tb.srv.SetGrant(tb.userID, Grant{ProductID: "prod-1", IsActive: true, RemainingUsage: 2, UsageCount: 5}))

	body := map[string]string{"userInput": "my essay text", "instructions": "Review it.", "pageId": "page-essay"}
	rec := tb.do(http.MethodPost, "/api/pages/generate", tok, "prod-1", body)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.Contains(t, out["output"], "**Essay Feedback**")
	assert.Equal(t, float64(1), out["remainingUsage"])
	assert.Equal(t, float64(6), out["usageCount"])

	require.Equal(t, http.StatusOK, tb.do(http.MethodPost, "/api/pages/generate", tok, "prod-1", body).Code)
	rec = tb.do(http.MethodPost, "/api/pages/generate", tok, "prod-1", body)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, decode(t, rec)["message"], "Usage limit")

	g, _ := tb.srv.Grant(tb.userID, "prod-1")
	assert.Equal(t, int64(0), g.RemainingUsage)
	assert.Equal(t, int64(7), g.UsageCount)
}

func TestGenerateRejections(t *testing.T) {
	tb := newTestBackend(t)
	tok := tb.token(t)

	rec := tb.do(http.MethodPost, "/api/pages/generate", tok, "prod-1", map[string]string{"userInput": "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = tb.do(http.MethodPost, "/api/pages/generate", tok, "prod-2", map[string]string{"userInput": "x", "pageId": "page-restricted"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = tb.do(http.MethodPost, "/api/pages/generate", tok, "prod-expired", map[string]string{"userInput": "x"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	g, _ := tb.srv.Grant(tb.userID, "prod-2")
	assert.Equal(t, int64(0), g.UsageCount, "rejected calls consume nothing")
}

func TestGenerateMultipart(t *testing.T) {
	tb := newTestBackend(t)
	tok := tb.token(t)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.WriteField("instructions", "Summarize."))
	require.NoError(t, w.WriteField("productId", "prod-1"))
	part, err := w.CreateFormFile("file", "essay.txt")
	require.NoError(t, err)
	_, _ = part.Write([]byte("one two three"))
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/pages/generate", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	tb.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.Contains(t, out["output"], "3 words")
	assert.Equal(t, float64(4), out["remainingUsage"])
}

func TestMetricsAndRequestID(t *testing.T) {
	tb := newTestBackend(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "req-123")
	rec := httptest.NewRecorder()
	tb.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-123", rec.Header().Get(requestIDHeader))

	rec = tb.do(http.MethodGet, "/metrics", "", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "pagegen_mockapi_requests_total"))
}

func TestDefaultGenerate(t *testing.T) {
	out := defaultGenerate(Page{}, "", "a b")
	assert.True(t, strings.HasPrefix(out, "**Result**"))
	assert.Contains(t, out, "**Instructions: none**")
}
