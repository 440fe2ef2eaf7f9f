package service

import (
	"context"
	"database/sql"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tempo-accounts/internal/domain"
	"tempo-accounts/internal/events"
	"tempo-accounts/internal/repository"
	"tempo-accounts/internal/store"
)

type sentMail struct {
	Template string
	To       string
	Data     map[string]any
}

// captureMailer 记录所有发送请求，可切换为全量失败
type captureMailer struct {
	mu      sync.Mutex
	sent    []sentMail
	failAll bool
}

func (m *captureMailer) SendTemplated(_ context.Context, templateName, toAddress string, data map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return errors.New("smtp relay unavailable")
	}
	m.sent = append(m.sent, sentMail{Template: templateName, To: toAddress, Data: data})
	return nil
}

func (m *captureMailer) byTemplate(template string) []sentMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []sentMail
	for _, s := range m.sent {
		if s.Template == template {
			out = append(out, s)
		}
	}
	return out
}

// verifyTokens 从验证邮件的 actionUrl 提取最新一组明文令牌（emailType -> token）
func (m *captureMailer) verifyTokens(t *testing.T) map[string]string {
	t.Helper()
	tokens := map[string]string{}
	for _, s := range m.byTemplate(TemplateVerifyEmail) {
		raw, ok := s.Data["actionUrl"].(string)
		require.True(t, ok)
		u, err := url.Parse(raw)
		require.NoError(t, err)
		tokens[u.Query().Get("type")] = u.Query().Get("token")
	}
	return tokens
}

type testEnv struct {
	svc    *EmailChangeService
	repo   *repository.MemoryEmailChangeRepository
	users  *repository.MemoryUsersRepository
	mailer *captureMailer
	idp    *StubIdentityProvider
	kv     *store.MemoryKV
}

var (
	empPrincipal   = Principal{UserID: "user-emp", Role: domain.RoleEmployee}
	otherPrincipal = Principal{UserID: "user-other", Role: domain.RoleEmployee}
	adminPrincipal = Principal{UserID: "user-admin", Role: domain.RoleAdmin}
)

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	repo := repository.NewMemoryEmailChangeRepository()
	users := repository.NewMemoryUsersRepository()
	users.SeedUser(domain.User{
		UserID:      "user-emp",
		Email:       "emp@corp.com",
		DisplayName: sql.NullString{String: "Emp Loyee", Valid: true},
		Role:        domain.RoleEmployee,
	})
	users.SeedUser(domain.User{
		UserID: "user-other",
		Email:  "other@corp.com",
		Role:   domain.RoleEmployee,
	})
	users.SeedUser(domain.User{
		UserID: "user-admin",
		Email:  "admin@corp.com",
		Role:   domain.RoleAdmin,
	})

	mailer := &captureMailer{}
	notifier := NewNotificationService(mailer, "https://app.test", "admins@test.local", zap.NewNop())

	idp := NewStubIdentityProvider()
	idp.SeedUser(IdPUser{Username: "emp", Email: "emp@corp.com", Enabled: true})
	idp.SeedUser(IdPUser{Username: "admin", Email: "admin@corp.com", Enabled: true})

	kv := store.NewMemoryKV()
	svc := NewEmailChangeService(repo, users, notifier, idp, kv, events.NopPublisher{}, zap.NewNop())

	return &testEnv{svc: svc, repo: repo, users: users, mailer: mailer, idp: idp, kv: kv}
}

func (e *testEnv) submit(t *testing.T, principal Principal, newEmail, reason string) *SubmitResponse {
	t.Helper()
	resp, err := e.svc.Submit(context.Background(), principal, SubmitRequest{
		NewEmail:  newEmail,
		Reason:    reason,
		IPAddress: "10.0.0.1",
		UserAgent: "test",
	})
	require.NoError(t, err)
	return resp
}

func (e *testEnv) verifyBoth(t *testing.T, requestID string) *VerifyResponse {
	t.Helper()
	tokens := e.mailer.verifyTokens(t)
	_, err := e.svc.Verify(context.Background(), VerifyRequest{
		Token: tokens[domain.EmailTypeCurrent], EmailType: domain.EmailTypeCurrent,
	})
	require.NoError(t, err)
	resp, err := e.svc.Verify(context.Background(), VerifyRequest{
		Token: tokens[domain.EmailTypeNew], EmailType: domain.EmailTypeNew,
	})
	require.NoError(t, err)
	require.Equal(t, requestID, resp.Request.RequestID)
	return resp
}

func assertCode(t *testing.T, err error, code ErrorCode) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, CodeOf(err))
}

func TestFullApprovalFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp := env.submit(t, empPrincipal, "emp@newcorp.com", domain.ReasonCompanyChange)
	assert.True(t, resp.RequiresApproval)
	assert.Equal(t, domain.StatusPendingVerification, resp.Request.Status)

	// 两封验证邮件：一封到旧地址一封到新地址
	mails := env.mailer.byTemplate(TemplateVerifyEmail)
	require.Len(t, mails, 2)
	assert.Equal(t, "emp@corp.com", mails[0].To)
	assert.Equal(t, "emp@newcorp.com", mails[1].To)

	// 验证第一侧后提醒另一侧
	tokens := env.mailer.verifyTokens(t)
	vr, err := env.svc.Verify(ctx, VerifyRequest{Token: tokens[domain.EmailTypeCurrent], EmailType: domain.EmailTypeCurrent})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPendingVerification, vr.Request.Status)
	require.Len(t, env.mailer.byTemplate(TemplateVerifyReminder), 1)
	assert.Equal(t, "emp@newcorp.com", env.mailer.byTemplate(TemplateVerifyReminder)[0].To)

	// 第二侧验证后进入待审批并通知管理员
	vr, err = env.svc.Verify(ctx, VerifyRequest{Token: tokens[domain.EmailTypeNew], EmailType: domain.EmailTypeNew})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPendingApproval, vr.Request.Status)
	require.Len(t, env.mailer.byTemplate(TemplateApprovalNeeded), 1)
	assert.Equal(t, "admins@test.local", env.mailer.byTemplate(TemplateApprovalNeeded)[0].To)

	// 管理员审批
	ar, err := env.svc.Approve(ctx, adminPrincipal, ApproveRequest{RequestID: vr.Request.RequestID, ApprovalNotes: "checked with HR"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, ar.Request.Status)
	assert.Equal(t, "user-admin", ar.Request.ApprovedBy)
	require.Len(t, env.mailer.byTemplate(TemplateApproved), 1)

	// 处理换绑
	pr, err := env.svc.Process(ctx, adminPrincipal, ProcessRequest{RequestID: vr.Request.RequestID})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, pr.Request.Status)

	// 档案库与 IdP 均已换绑
	u, err := env.users.GetUserByID(ctx, "user-emp")
	require.NoError(t, err)
	assert.Equal(t, "emp@newcorp.com", u.Email)
	idpUser, err := env.idp.GetUser(ctx, "emp@newcorp.com")
	require.NoError(t, err)
	assert.Equal(t, "emp", idpUser.Username)

	// 完成通知发到新地址
	require.Len(t, env.mailer.byTemplate(TemplateCompleted), 1)
	assert.Equal(t, "emp@newcorp.com", env.mailer.byTemplate(TemplateCompleted)[0].To)

	// 审计轨迹按时间正序覆盖完整生命周期
	gr, err := env.svc.Get(ctx, adminPrincipal, vr.Request.RequestID)
	require.NoError(t, err)
	var actions []string
	for _, e := range gr.AuditTrail {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []string{
		domain.AuditActionCreated,
		domain.AuditActionCurrentEmailVerified,
		domain.AuditActionNewEmailVerified,
		domain.AuditActionApproved,
		domain.AuditActionCompleted,
	}, actions)
}

func TestAutoApproval(t *testing.T) {
	env := newTestEnv(t)

	// name_change + 同域名 = 免审批
	resp := env.submit(t, empPrincipal, "emp.loyee@corp.com", domain.ReasonNameChange)
	assert.False(t, resp.RequiresApproval)

	vr := env.verifyBoth(t, resp.Request.RequestID)
	assert.Equal(t, domain.StatusApproved, vr.Request.Status)
	assert.Equal(t, domain.SystemActor, vr.Request.ApprovedBy)

	// 自动审批无需人工介入即可直接处理
	gr, err := env.svc.Get(context.Background(), empPrincipal, resp.Request.RequestID)
	require.NoError(t, err)
	hasAuto := false
	for _, e := range gr.AuditTrail {
		if e.Action == domain.AuditActionAutoApproved {
			hasAuto = true
			assert.Equal(t, domain.SystemActor, e.PerformedBy)
		}
	}
	assert.True(t, hasAuto)
}

func TestSubmitGuards(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Submit(ctx, Principal{}, SubmitRequest{NewEmail: "x@corp.com", Reason: domain.ReasonNameChange})
	assertCode(t, err, CodeUnauthenticated)

	_, err = env.svc.Submit(ctx, empPrincipal, SubmitRequest{NewEmail: "not-an-email", Reason: domain.ReasonNameChange})
	assertCode(t, err, CodeInvalidRequestData)

	_, err = env.svc.Submit(ctx, empPrincipal, SubmitRequest{NewEmail: "EMP@corp.com", Reason: domain.ReasonNameChange})
	assertCode(t, err, CodeSameAsCurrentEmail)

	// 新邮箱已属于其他账号
	_, err = env.svc.Submit(ctx, empPrincipal, SubmitRequest{NewEmail: "other@corp.com", Reason: domain.ReasonNameChange})
	assertCode(t, err, CodeEmailAlreadyExists)

	// 非管理员不能替他人提交
	_, err = env.svc.Submit(ctx, empPrincipal, SubmitRequest{TargetUserID: "user-other", NewEmail: "o2@corp.com", Reason: domain.ReasonNameChange})
	assertCode(t, err, CodeInsufficientPermissions)

	// 管理员替不存在的用户提交
	_, err = env.svc.Submit(ctx, adminPrincipal, SubmitRequest{TargetUserID: "no-such-user", NewEmail: "o2@corp.com", Reason: domain.ReasonNameChange})
	assertCode(t, err, CodeUserNotFound)

	// 活跃请求唯一
	env.submit(t, empPrincipal, "emp2@corp.com", domain.ReasonNameChange)
	_, err = env.svc.Submit(ctx, empPrincipal, SubmitRequest{NewEmail: "emp3@corp.com", Reason: domain.ReasonNameChange})
	assertCode(t, err, CodeActiveRequestExists)

	// 取消后仍受 24h 冷却约束
	page, err := env.repo.ListRequests(ctx, repository.ListQuery{UserID: "user-emp"})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	_, err = env.svc.Cancel(ctx, empPrincipal, CancelRequest{RequestID: page.Items[0].RequestID})
	require.NoError(t, err)
	_, err = env.svc.Submit(ctx, empPrincipal, SubmitRequest{NewEmail: "emp3@corp.com", Reason: domain.ReasonNameChange})
	assertCode(t, err, CodeCooldownActive)

	// 冷却窗口过后放行
	env.svc.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	_, err = env.svc.Submit(ctx, empPrincipal, SubmitRequest{NewEmail: "emp3@corp.com", Reason: domain.ReasonNameChange})
	assert.NoError(t, err)
}

func TestAdminSubmitsForAnotherUser(t *testing.T) {
	env := newTestEnv(t)

	resp, err := env.svc.Submit(context.Background(), adminPrincipal, SubmitRequest{
		TargetUserID: "user-emp",
		NewEmail:     "managed@corp.com",
		Reason:       domain.ReasonSecurityConcern,
	})
	require.NoError(t, err)
	assert.Equal(t, "user-emp", resp.Request.UserID)
	assert.True(t, resp.RequiresApproval)
}

func TestVerifyGuards(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.submit(t, empPrincipal, "emp@elsewhere.com", domain.ReasonSecurityConcern)
	tokens := env.mailer.verifyTokens(t)

	// 格式非法
	_, err := env.svc.Verify(ctx, VerifyRequest{Token: "short", EmailType: domain.EmailTypeCurrent})
	assertCode(t, err, CodeInvalidVerificationToken)

	// 格式合法但不存在
	_, err = env.svc.Verify(ctx, VerifyRequest{
		Token:     "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
		EmailType: domain.EmailTypeCurrent,
	})
	assertCode(t, err, CodeInvalidVerificationToken)

	// 重复验证同一侧
	_, err = env.svc.Verify(ctx, VerifyRequest{Token: tokens[domain.EmailTypeCurrent], EmailType: domain.EmailTypeCurrent})
	require.NoError(t, err)
	_, err = env.svc.Verify(ctx, VerifyRequest{Token: tokens[domain.EmailTypeCurrent], EmailType: domain.EmailTypeCurrent})
	assertCode(t, err, CodeEmailAlreadyVerified)

	// 过期令牌
	env.svc.now = func() time.Time { return time.Now().Add(domain.VerificationTokenTTL + time.Minute) }
	_, err = env.svc.Verify(ctx, VerifyRequest{Token: tokens[domain.EmailTypeNew], EmailType: domain.EmailTypeNew})
	assertCode(t, err, CodeVerificationTokenExpired)
}

func TestResend(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp := env.submit(t, empPrincipal, "emp@elsewhere.com", domain.ReasonSecurityConcern)
	requestID := resp.Request.RequestID
	oldTokens := env.mailer.verifyTokens(t)

	// 他人不能重发
	_, err := env.svc.Resend(ctx, otherPrincipal, ResendRequest{RequestID: requestID, EmailType: domain.EmailTypeNew})
	assertCode(t, err, CodeInsufficientPermissions)

	// 重发后旧令牌作废
	rr, err := env.svc.Resend(ctx, empPrincipal, ResendRequest{RequestID: requestID, EmailType: domain.EmailTypeNew})
	require.NoError(t, err)
	assert.Contains(t, rr.Message, "emp@elsewhere.com")
	_, err = env.svc.Verify(ctx, VerifyRequest{Token: oldTokens[domain.EmailTypeNew], EmailType: domain.EmailTypeNew})
	assertCode(t, err, CodeInvalidVerificationToken)
	newTokens := env.mailer.verifyTokens(t)
	assert.NotEqual(t, oldTokens[domain.EmailTypeNew], newTokens[domain.EmailTypeNew])

	// 每请求每侧每小时 3 次：第 4 次触发限流
	for i := 0; i < 2; i++ {
		_, err = env.svc.Resend(ctx, empPrincipal, ResendRequest{RequestID: requestID, EmailType: domain.EmailTypeNew})
		require.NoError(t, err)
	}
	_, err = env.svc.Resend(ctx, empPrincipal, ResendRequest{RequestID: requestID, EmailType: domain.EmailTypeNew})
	assertCode(t, err, CodeVerificationRateLimited)

	// 另一侧有独立额度
	_, err = env.svc.Resend(ctx, empPrincipal, ResendRequest{RequestID: requestID, EmailType: domain.EmailTypeCurrent})
	require.NoError(t, err)

	// 已验证一侧不能重发
	tokens := env.mailer.verifyTokens(t)
	_, err = env.svc.Verify(ctx, VerifyRequest{Token: tokens[domain.EmailTypeCurrent], EmailType: domain.EmailTypeCurrent})
	require.NoError(t, err)
	_, err = env.svc.Resend(ctx, adminPrincipal, ResendRequest{RequestID: requestID, EmailType: domain.EmailTypeCurrent})
	assertCode(t, err, CodeEmailAlreadyVerified)
}

func TestResendDeliveryFailureIsHardError(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp := env.submit(t, empPrincipal, "emp@elsewhere.com", domain.ReasonSecurityConcern)
	env.mailer.failAll = true

	_, err := env.svc.Resend(ctx, empPrincipal, ResendRequest{RequestID: resp.Request.RequestID, EmailType: domain.EmailTypeNew})
	assertCode(t, err, CodeEmailSendFailed)
}

func TestApprovePermissions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp := env.submit(t, empPrincipal, "emp@elsewhere.com", domain.ReasonSecurityConcern)
	requestID := resp.Request.RequestID

	// 非管理员没有审批权限
	_, err := env.svc.Approve(ctx, empPrincipal, ApproveRequest{RequestID: requestID})
	assertCode(t, err, CodeInsufficientApprovalPerms)

	// 未到待审批状态
	_, err = env.svc.Approve(ctx, adminPrincipal, ApproveRequest{RequestID: requestID})
	assertCode(t, err, CodeRequestNotPendingApproval)

	env.verifyBoth(t, requestID)
	ar, err := env.svc.Approve(ctx, adminPrincipal, ApproveRequest{RequestID: requestID, ApprovalNotes: "ok"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, ar.Request.Status)

	// 重复审批
	_, err = env.svc.Approve(ctx, adminPrincipal, ApproveRequest{RequestID: requestID})
	assertCode(t, err, CodeRequestNotPendingApproval)

	_, err = env.svc.Approve(ctx, adminPrincipal, ApproveRequest{RequestID: "no-such"})
	assertCode(t, err, CodeRequestNotFound)
}

func TestAdminCanApproveButNotRejectOwnRequest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp := env.submit(t, adminPrincipal, "admin@elsewhere.com", domain.ReasonSecurityConcern)
	requestID := resp.Request.RequestID

	// 管理员不能驳回自己的请求（对所有角色对称禁止）
	_, err := env.svc.Reject(ctx, adminPrincipal, RejectRequest{RequestID: requestID, RejectionReason: "changed my mind"})
	assertCode(t, err, CodeCannotRejectOwnRequest)

	// 但可以批准自己的请求
	env.verifyBoth(t, requestID)
	ar, err := env.svc.Approve(ctx, adminPrincipal, ApproveRequest{RequestID: requestID})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, ar.Request.Status)
}

func TestReject(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp := env.submit(t, empPrincipal, "emp@elsewhere.com", domain.ReasonSecurityConcern)
	requestID := resp.Request.RequestID

	_, err := env.svc.Reject(ctx, empPrincipal, RejectRequest{RequestID: requestID, RejectionReason: "x"})
	assertCode(t, err, CodeInsufficientApprovalPerms)

	// 原因必填
	_, err = env.svc.Reject(ctx, adminPrincipal, RejectRequest{RequestID: requestID})
	assertCode(t, err, CodeInvalidRequestData)

	// 验证阶段即可驳回
	rr, err := env.svc.Reject(ctx, adminPrincipal, RejectRequest{RequestID: requestID, RejectionReason: "policy violation"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, rr.Request.Status)
	assert.Equal(t, "policy violation", rr.Request.RejectionReason)

	// 驳回通知发给请求人当前地址
	rejectedMails := env.mailer.byTemplate(TemplateRejected)
	require.Len(t, rejectedMails, 1)
	assert.Equal(t, "emp@corp.com", rejectedMails[0].To)
	assert.Equal(t, "policy violation", rejectedMails[0].Data["rejectionReason"])

	// 终态后不能再驳回
	_, err = env.svc.Reject(ctx, adminPrincipal, RejectRequest{RequestID: requestID, RejectionReason: "again"})
	assertCode(t, err, CodeInvalidRequestData)
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp := env.submit(t, empPrincipal, "emp@elsewhere.com", domain.ReasonSecurityConcern)
	requestID := resp.Request.RequestID

	_, err := env.svc.Cancel(ctx, otherPrincipal, CancelRequest{RequestID: requestID})
	assertCode(t, err, CodeInsufficientPermissions)

	cr, err := env.svc.Cancel(ctx, empPrincipal, CancelRequest{RequestID: requestID})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, cr.Request.Status)

	// 已取消不能再取消
	_, err = env.svc.Cancel(ctx, empPrincipal, CancelRequest{RequestID: requestID})
	assertCode(t, err, CodeCannotCancelRequest)
}

func TestCancelCompletedRequest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp := env.submit(t, empPrincipal, "emp.loyee@corp.com", domain.ReasonNameChange)
	env.verifyBoth(t, resp.Request.RequestID)
	_, err := env.svc.Process(ctx, adminPrincipal, ProcessRequest{RequestID: resp.Request.RequestID})
	require.NoError(t, err)

	_, err = env.svc.Cancel(ctx, empPrincipal, CancelRequest{RequestID: resp.Request.RequestID})
	assertCode(t, err, CodeRequestAlreadyCompleted)
}

func TestProcess(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp := env.submit(t, empPrincipal, "emp@elsewhere.com", domain.ReasonSecurityConcern)
	requestID := resp.Request.RequestID

	_, err := env.svc.Process(ctx, empPrincipal, ProcessRequest{RequestID: requestID})
	assertCode(t, err, CodeInsufficientPermissions)

	// 未批准不能处理
	_, err = env.svc.Process(ctx, adminPrincipal, ProcessRequest{RequestID: requestID})
	assertCode(t, err, CodeRequestNotApproved)

	env.verifyBoth(t, requestID)
	_, err = env.svc.Approve(ctx, adminPrincipal, ApproveRequest{RequestID: requestID})
	require.NoError(t, err)

	pr, err := env.svc.Process(ctx, adminPrincipal, ProcessRequest{RequestID: requestID})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, pr.Request.Status)

	// 已完成不能重复处理
	_, err = env.svc.Process(ctx, adminPrincipal, ProcessRequest{RequestID: requestID})
	assertCode(t, err, CodeRequestNotApproved)
}

func TestProcessFailureLeavesRequestApproved(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// user-other 在 IdP 侧不存在，Process 必然失败
	resp, err := env.svc.Submit(ctx, otherPrincipal, SubmitRequest{
		NewEmail: "other@elsewhere.com",
		Reason:   domain.ReasonSecurityConcern,
	})
	require.NoError(t, err)
	env.verifyBoth(t, resp.Request.RequestID)
	_, err = env.svc.Approve(ctx, adminPrincipal, ApproveRequest{RequestID: resp.Request.RequestID})
	require.NoError(t, err)

	_, err = env.svc.Process(ctx, adminPrincipal, ProcessRequest{RequestID: resp.Request.RequestID})
	assertCode(t, err, CodeProcessingFailed)

	// 失败后请求保持 approved，可重试
	found, err := env.repo.GetByID(ctx, resp.Request.RequestID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, found.Status)

	// 档案库邮箱未被动过
	u, err := env.users.GetUserByID(ctx, "user-other")
	require.NoError(t, err)
	assert.Equal(t, "other@corp.com", u.Email)

	// 补齐 IdP 用户后重试成功
	env.idp.SeedUser(IdPUser{Username: "other", Email: "other@corp.com", Enabled: true})
	pr, err := env.svc.Process(ctx, adminPrincipal, ProcessRequest{RequestID: resp.Request.RequestID})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, pr.Request.Status)
}

func TestList(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.submit(t, empPrincipal, "emp@elsewhere.com", domain.ReasonSecurityConcern)
	_, err := env.svc.Submit(ctx, otherPrincipal, SubmitRequest{NewEmail: "other@elsewhere.com", Reason: domain.ReasonSecurityConcern})
	require.NoError(t, err)

	// 非管理员只能看到自己的（即使显式传了他人 userId）
	lr, err := env.svc.List(ctx, empPrincipal, ListRequest{UserID: "user-other"})
	require.NoError(t, err)
	require.Len(t, lr.Items, 1)
	assert.Equal(t, "user-emp", lr.Items[0].UserID)
	assert.Empty(t, lr.Items[0].UserDisplayName)

	// 管理员看到全部并带用户信息补充
	lr, err = env.svc.List(ctx, adminPrincipal, ListRequest{})
	require.NoError(t, err)
	require.Len(t, lr.Items, 2)
	for _, item := range lr.Items {
		if item.UserID == "user-emp" {
			assert.Equal(t, "Emp Loyee", item.UserDisplayName)
			assert.Equal(t, "emp@corp.com", item.UserEmail)
		}
	}

	// 非法状态过滤
	_, err = env.svc.List(ctx, adminPrincipal, ListRequest{Status: "bogus"})
	assertCode(t, err, CodeInvalidRequestData)

	// 未认证
	_, err = env.svc.List(ctx, Principal{}, ListRequest{})
	assertCode(t, err, CodeUnauthenticated)
}

func TestGetVisibility(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp := env.submit(t, empPrincipal, "emp@elsewhere.com", domain.ReasonSecurityConcern)

	_, err := env.svc.Get(ctx, otherPrincipal, resp.Request.RequestID)
	assertCode(t, err, CodeInsufficientPermissions)

	gr, err := env.svc.Get(ctx, empPrincipal, resp.Request.RequestID)
	require.NoError(t, err)
	assert.Equal(t, resp.Request.RequestID, gr.Request.RequestID)
	require.NotEmpty(t, gr.AuditTrail)
	assert.Equal(t, domain.AuditActionCreated, gr.AuditTrail[0].Action)

	_, err = env.svc.Get(ctx, adminPrincipal, "no-such")
	assertCode(t, err, CodeRequestNotFound)
}

func TestSubmitSurvivesNotificationFailure(t *testing.T) {
	env := newTestEnv(t)
	env.mailer.failAll = true

	// Submit 阶段发信失败不阻断：用户可走 resend
	resp, err := env.svc.Submit(context.Background(), empPrincipal, SubmitRequest{
		NewEmail: "emp@elsewhere.com",
		Reason:   domain.ReasonSecurityConcern,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPendingVerification, resp.Request.Status)
}
