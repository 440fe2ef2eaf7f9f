package validation

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"tempo-accounts/internal/domain"
)

func TestIsValidEmailFormat(t *testing.T) {
	cases := []struct {
		email string
		want  bool
	}{
		{"alice@example.com", true},
		{"a.b+tag@sub.example.co", true},
		{"", false},
		{"no-at-sign", false},
		{"@example.com", false},
		{"alice@", false},
		{"alice@nodot", false},
		{"alice@.com", false},
		{"alice @example.com", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, IsValidEmailFormat(tc.email), tc.email)
	}
}

func TestValidateCreateRequest(t *testing.T) {
	r := ValidateCreateRequest("alice@example.com", domain.ReasonNameChange, "")
	assert.True(t, r.IsValid)

	r = ValidateCreateRequest("", "", "")
	assert.False(t, r.IsValid)
	assert.Len(t, r.Errors, 2)

	r = ValidateCreateRequest("alice@example.com", "unknown_reason", "")
	assert.False(t, r.IsValid)

	// reason = other 需要 customReason
	r = ValidateCreateRequest("alice@example.com", domain.ReasonOther, "")
	assert.False(t, r.IsValid)

	r = ValidateCreateRequest("alice@example.com", domain.ReasonOther, "switching providers")
	assert.True(t, r.IsValid)

	r = ValidateCreateRequest("alice@example.com", domain.ReasonOther, strings.Repeat("x", MaxCustomReasonLength+1))
	assert.False(t, r.IsValid)
}

func TestValidateVerifyRequest(t *testing.T) {
	assert.True(t, ValidateVerifyRequest("sometoken", domain.EmailTypeCurrent).IsValid)
	assert.True(t, ValidateVerifyRequest("sometoken", domain.EmailTypeNew).IsValid)
	assert.False(t, ValidateVerifyRequest("", domain.EmailTypeNew).IsValid)
	assert.False(t, ValidateVerifyRequest("sometoken", "").IsValid)
	assert.False(t, ValidateVerifyRequest("sometoken", "both").IsValid)
}

func TestValidateApproveReject(t *testing.T) {
	assert.True(t, ValidateApproveRequest("").IsValid)
	assert.False(t, ValidateApproveRequest(strings.Repeat("x", MaxApprovalNotesLength+1)).IsValid)

	assert.False(t, ValidateRejectRequest("").IsValid)
	assert.False(t, ValidateRejectRequest("   ").IsValid)
	assert.True(t, ValidateRejectRequest("does not meet policy").IsValid)
	assert.False(t, ValidateRejectRequest(strings.Repeat("x", MaxRejectionReasonLength+1)).IsValid)
}

func TestIsSameEmail(t *testing.T) {
	assert.True(t, IsSameEmail("Alice@Example.com", "alice@example.com"))
	assert.True(t, IsSameEmail(" alice@example.com ", "alice@example.com"))
	assert.False(t, IsSameEmail("alice@example.com", "bob@example.com"))
}

func TestInCooldown(t *testing.T) {
	now := time.Now()
	assert.False(t, InCooldown(time.Time{}, now))
	assert.True(t, InCooldown(now.Add(-time.Hour), now))
	assert.True(t, InCooldown(now.Add(-CooldownWindow+time.Minute), now))
	assert.False(t, InCooldown(now.Add(-CooldownWindow-time.Minute), now))
}
