package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// 验证令牌：32 字节加密随机数，hex 编码为 64 字符。
// 令牌是 bearer 凭证，本身不携带用户身份；持有未过期令牌即可完成验证动作，
// 上下文需通过 Repository 按令牌哈希反查。

// RawLength 随机字节数
const RawLength = 32

// EncodedLength hex 编码后的长度
const EncodedLength = RawLength * 2

// Generate 生成一个新的验证令牌（64 位小写 hex）
func Generate() (string, error) {
	b := make([]byte, RawLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate verification token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// IsValidFormat 是否恰为 64 个小写 hex 字符
func IsValidFormat(s string) bool {
	if len(s) != EncodedLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Hash 计算令牌的 SHA256（存储端只保存哈希，不保存明文）
func Hash(s string) []byte {
	h := sha256.Sum256([]byte(s))
	return h[:]
}
