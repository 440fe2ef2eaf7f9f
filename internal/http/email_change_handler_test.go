package httpapi

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tempo-accounts/internal/domain"
	"tempo-accounts/internal/events"
	"tempo-accounts/internal/repository"
	"tempo-accounts/internal/service"
	"tempo-accounts/internal/store"
)

func newTestRouter(t *testing.T) *Router {
	t.Helper()

	repo := repository.NewMemoryEmailChangeRepository()
	users := repository.NewMemoryUsersRepository()
	users.SeedUser(domain.User{
		UserID:      "user-emp",
		Email:       "emp@corp.com",
		DisplayName: sql.NullString{String: "Emp Loyee", Valid: true},
		Role:        domain.RoleEmployee,
	})
	users.SeedUser(domain.User{UserID: "user-admin", Email: "admin@corp.com", Role: domain.RoleAdmin})

	idp := service.NewStubIdentityProvider()
	idp.SeedUser(service.IdPUser{Username: "emp", Email: "emp@corp.com", Enabled: true})

	logger := zap.NewNop()
	notifier := service.NewNotificationService(service.NewLogMailer(logger), "https://app.test", "admins@test.local", logger)
	svc := service.NewEmailChangeService(repo, users, notifier, idp, store.NewMemoryKV(), events.NopPublisher{}, logger)

	router := NewRouter(logger)
	router.RegisterEmailChangeRoutes(NewEmailChangeHandler(svc, logger))
	router.RegisterHealthRoutes()
	return router
}

func doJSON(t *testing.T, router *Router, method, path, userID, role string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
		req.Header.Set("X-User-Role", role)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeResult(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestSubmitEndpoint(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/accounts/api/v1/email-change/requests",
		"user-emp", domain.RoleEmployee,
		`{"newEmail":"emp@elsewhere.com","reason":"security_concern"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	out := decodeResult(t, rec)
	assert.Equal(t, float64(ResultSuccess), out["code"])
	result := out["result"].(map[string]any)
	assert.Equal(t, true, result["requiresApproval"])
	request := result["request"].(map[string]any)
	assert.Equal(t, domain.StatusPendingVerification, request["status"])
	assert.NotEmpty(t, request["requestId"])
}

func TestSubmitEndpointUnauthenticated(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/accounts/api/v1/email-change/requests",
		"", "", `{"newEmail":"emp@elsewhere.com","reason":"security_concern"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	out := decodeResult(t, rec)
	assert.Equal(t, string(service.CodeUnauthenticated), out["errorCode"])
	assert.Equal(t, "error", out["type"])
}

func TestSubmitEndpointConflict(t *testing.T) {
	router := newTestRouter(t)

	body := `{"newEmail":"emp@elsewhere.com","reason":"security_concern"}`
	rec := doJSON(t, router, http.MethodPost, "/accounts/api/v1/email-change/requests",
		"user-emp", domain.RoleEmployee, body)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/accounts/api/v1/email-change/requests",
		"user-emp", domain.RoleEmployee, body)
	require.Equal(t, http.StatusConflict, rec.Code)
	out := decodeResult(t, rec)
	assert.Equal(t, string(service.CodeActiveRequestExists), out["errorCode"])
}

func TestVerifyEndpointInvalidToken(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/accounts/api/v1/email-change/verify",
		"", "", `{"token":"garbage","emailType":"current"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	out := decodeResult(t, rec)
	assert.Equal(t, string(service.CodeInvalidVerificationToken), out["errorCode"])
}

func TestVerifyEndpointAcceptsQueryParams(t *testing.T) {
	router := newTestRouter(t)

	// 邮件里的 GET 链接形式；令牌未知但路由和参数解析要走通
	tok := strings.Repeat("ab", 32)
	rec := doJSON(t, router, http.MethodGet,
		fmt.Sprintf("/accounts/api/v1/email-change/verify?token=%s&type=new", tok), "", "", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	out := decodeResult(t, rec)
	assert.Equal(t, string(service.CodeInvalidVerificationToken), out["errorCode"])
}

func TestRequestSubpathRouting(t *testing.T) {
	router := newTestRouter(t)

	// 不存在的请求
	rec := doJSON(t, router, http.MethodGet, "/accounts/api/v1/email-change/requests/no-such-id",
		"user-admin", domain.RoleAdmin, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	out := decodeResult(t, rec)
	assert.Equal(t, string(service.CodeRequestNotFound), out["errorCode"])

	// 不存在的动作
	rec = doJSON(t, router, http.MethodPost, "/accounts/api/v1/email-change/requests/some-id/explode",
		"user-admin", domain.RoleAdmin, "{}")
	require.Equal(t, http.StatusNotFound, rec.Code)

	// 方法不匹配
	rec = doJSON(t, router, http.MethodGet, "/accounts/api/v1/email-change/requests/some-id/approve",
		"user-admin", domain.RoleAdmin, "")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestApprovalFlowOverHTTP(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/accounts/api/v1/email-change/requests",
		"user-emp", domain.RoleEmployee,
		`{"newEmail":"emp@elsewhere.com","reason":"security_concern"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	requestID := decodeResult(t, rec)["result"].(map[string]any)["request"].(map[string]any)["requestId"].(string)

	// 尚未验证完成，审批应 409
	rec = doJSON(t, router, http.MethodPost,
		"/accounts/api/v1/email-change/requests/"+requestID+"/approve",
		"user-admin", domain.RoleAdmin, `{"approvalNotes":"ok"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(service.CodeRequestNotPendingApproval), decodeResult(t, rec)["errorCode"])

	// 请求人可以取消
	rec = doJSON(t, router, http.MethodPost,
		"/accounts/api/v1/email-change/requests/"+requestID+"/cancel",
		"user-emp", domain.RoleEmployee, "")
	require.Equal(t, http.StatusOK, rec.Code)
	result := decodeResult(t, rec)["result"].(map[string]any)
	assert.Equal(t, domain.StatusCancelled, result["request"].(map[string]any)["status"])
}

func TestListEndpoint(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/accounts/api/v1/email-change/requests",
		"user-emp", domain.RoleEmployee,
		`{"newEmail":"emp@elsewhere.com","reason":"security_concern"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/accounts/api/v1/email-change/requests?limit=10",
		"user-admin", domain.RoleAdmin, "")
	require.Equal(t, http.StatusOK, rec.Code)
	result := decodeResult(t, rec)["result"].(map[string]any)
	items := result["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "Emp Loyee", items[0].(map[string]any)["userDisplayName"])
}

func TestExportEndpoint(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/accounts/api/v1/email-change/requests",
		"user-emp", domain.RoleEmployee,
		`{"newEmail":"emp@elsewhere.com","reason":"security_concern"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	// 非管理员禁止导出
	rec = doJSON(t, router, http.MethodGet, "/accounts/api/v1/email-change/requests/export",
		"user-emp", domain.RoleEmployee, "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/accounts/api/v1/email-change/requests/export",
		"user-admin", domain.RoleAdmin, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t,
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Body.Bytes())
}

func TestHealthEndpoint(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/healthz", "", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
}
