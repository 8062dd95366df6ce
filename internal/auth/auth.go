// Package auth 为 REST 接口提供静态 Bearer Token 认证。未配置任何 Token 时认证关闭。
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Common errors returned by the authentication subsystem.
var (
	ErrMissingToken     = errors.New("missing bearer token")
	ErrInvalidToken     = errors.New("invalid token")
	ErrPermissionDenied = errors.New("permission denied")
)

// TokenConfig 描述一个 API Token。Token 为空时从 TokenEnv 读取。
type TokenConfig struct {
	Name     string `json:"name" yaml:"name"`
	Token    string `json:"token" yaml:"token"`
	TokenEnv string `json:"token_env" yaml:"token_env"`
	// ReadOnly 的 Token 只能发起 GET 与 HEAD 请求。
	ReadOnly bool `json:"read_only" yaml:"read_only"`
}

// Subject 是通过认证的调用方。
type Subject struct {
	Name     string
	ReadOnly bool
}

// Authorize 检查主体能否使用指定的 HTTP 方法。
func (s *Subject) Authorize(method string) error {
	if s == nil {
		return ErrPermissionDenied
	}
	if s.ReadOnly && method != "GET" && method != "HEAD" {
		return ErrPermissionDenied
	}
	return nil
}

type credential struct {
	digest  [sha256.Size]byte
	subject Subject
}

// Service 校验请求携带的 Bearer Token。
type Service struct {
	credentials []credential
}

// NewService 根据配置创建认证服务，空 Token 被忽略。
func NewService(tokens []TokenConfig) *Service {
	s := &Service{}
	for i, t := range tokens {
		secret := strings.TrimSpace(t.Token)
		if secret == "" && t.TokenEnv != "" {
			secret = strings.TrimSpace(os.Getenv(t.TokenEnv))
		}
		if secret == "" {
			continue
		}
		name := t.Name
		if name == "" {
			name = fmt.Sprintf("token-%d", i+1)
		}
		s.credentials = append(s.credentials, credential{
			digest:  sha256.Sum256([]byte(secret)),
			subject: Subject{Name: name, ReadOnly: t.ReadOnly},
		})
	}
	return s
}

// Enabled 判断是否配置了至少一个 Token。
func (s *Service) Enabled() bool {
	return s != nil && len(s.credentials) > 0
}

// Authenticate 校验 Authorization 头并返回对应主体。
func (s *Service) Authenticate(header string) (*Subject, error) {
	token, ok := strings.CutPrefix(strings.TrimSpace(header), "Bearer ")
	token = strings.TrimSpace(token)
	if !ok || token == "" {
		return nil, ErrMissingToken
	}
	digest := sha256.Sum256([]byte(token))
	var match *Subject
	for i := range s.credentials {
		if subtle.ConstantTimeCompare(digest[:], s.credentials[i].digest[:]) == 1 {
			subject := s.credentials[i].subject
			match = &subject
		}
	}
	if match == nil {
		return nil, ErrInvalidToken
	}
	return match, nil
}
