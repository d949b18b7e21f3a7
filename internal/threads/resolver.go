// Package threads 根据引用链哈希与归一化主题为新消息计算会话分组。
package threads

import (
	"crypto/sha1"
	"encoding/base64"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ArmaGroupHolding/wildduck/internal/domain"
	"github.com/ArmaGroupHolding/wildduck/internal/storage"
)

const (
	maxReferences    = 10
	threadIndexChars = 22
)

// Resolver 计算并落库会话分组。
type Resolver struct {
	repo storage.ThreadRepository
	log  *zap.Logger
}

// NewResolver 创建会话解析器。
func NewResolver(repo storage.ThreadRepository, log *zap.Logger) *Resolver {
	return &Resolver{repo: repo, log: log}
}

// ReferenceInput 会话引用来源头部。
type ReferenceInput struct {
	MsgID       string
	InReplyTo   string
	ThreadIndex string
	References  []string
}

// Resolve 返回新消息归属的会话 ID：命中既有会话时扩展其引用集合，
// 否则插入新会话。
func (r *Resolver) Resolve(userID, subject string, input ReferenceInput) (string, error) {
	refs := HashReferences(input)

	existing, err := r.repo.FindThread(userID, subject, refs)
	if err != nil {
		return "", err
	}
	if existing != nil {
		if err := r.repo.AddThreadRefs(existing.ID, refs); err != nil {
			return "", err
		}
		return existing.ID, nil
	}

	thread := &domain.Thread{
		ID:      uuid.NewString(),
		UserID:  userID,
		Subject: subject,
		IDs:     refs,
		Updated: time.Now().UTC(),
	}
	if err := r.repo.InsertThread(thread); err != nil {
		return "", err
	}
	return thread.ID, nil
}

// HashReferences 计算引用 ID 哈希集合：Message-Id、In-Reply-To、
// Thread-Index 前 22 字符与 References 的最后一项各取其一，
// 按空白拆分、去掉尖括号、SHA-1 哈希后 base64 编码（去填充），
// 去重并截断到 10 项。
func HashReferences(input ReferenceInput) []string {
	sources := make([]string, 0, 4)
	if input.MsgID != "" {
		sources = append(sources, input.MsgID)
	}
	if input.InReplyTo != "" {
		sources = append(sources, input.InReplyTo)
	}
	if input.ThreadIndex != "" {
		ti := input.ThreadIndex
		if len(ti) > threadIndexChars {
			ti = ti[:threadIndexChars]
		}
		sources = append(sources, ti)
	}
	if n := len(input.References); n > 0 {
		sources = append(sources, input.References[n-1])
	}

	seen := make(map[string]bool)
	refs := make([]string, 0, maxReferences)
	for _, source := range sources {
		for _, token := range strings.Fields(source) {
			token = strings.Trim(token, "<>")
			if token == "" {
				continue
			}
			hashed := hashToken(token)
			if seen[hashed] {
				continue
			}
			seen[hashed] = true
			refs = append(refs, hashed)
			if len(refs) >= maxReferences {
				return refs
			}
		}
	}
	return refs
}

func hashToken(token string) string {
	sum := sha1.Sum([]byte(token))
	return strings.TrimRight(base64.StdEncoding.EncodeToString(sum[:]), "=")
}
