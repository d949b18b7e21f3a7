// Package attachments 提供按内容寻址、引用计数回收的附件存储服务。
//
// 存储键是 (内容哈希, magic)。magic 是每次投递生成的盐值，
// 把独立投递隔离到各自的引用计数桶中——它是正确性原语而非优化。
package attachments

import (
	"go.uber.org/zap"

	"github.com/ArmaGroupHolding/wildduck/internal/domain"
	"github.com/ArmaGroupHolding/wildduck/internal/storage"
)

// Store 附件存储服务。
type Store struct {
	repo storage.AttachmentRepository
	log  *zap.Logger
}

// NewStore 创建附件存储服务。
func NewStore(repo storage.AttachmentRepository, log *zap.Logger) *Store {
	return &Store{repo: repo, log: log}
}

// Put 持久化一组附件体；每个附件记录引用计数加 1（首次插入为 1）。
// 返回已贡献计数的哈希列表，供失败回滚使用。
func (s *Store) Put(atts []*domain.Attachment, magic int32) ([]string, error) {
	stored := make([]string, 0, len(atts))
	for _, att := range atts {
		rec := &domain.AttachmentRecord{
			Hash:        att.Hash,
			Magic:       magic,
			ContentType: att.ContentType,
			Size:        att.Size,
			Data:        att.Content,
		}
		if err := s.repo.UpsertAttachment(rec); err != nil {
			return stored, err
		}
		stored = append(stored, att.Hash)
	}
	return stored, nil
}

// Get 读取附件记录。
func (s *Store) Get(hash string, magic int32) (*domain.AttachmentRecord, error) {
	return s.repo.GetAttachment(hash, magic)
}

// AddRefs 为复制扇出批量增加引用计数。
func (s *Store) AddRefs(hashes []string, magic int32) error {
	if len(hashes) == 0 {
		return nil
	}
	return s.repo.UpdateAttachments(hashes, magic, 1)
}

// Release 批量减少引用计数，计数降到 0 的记录被回收。
// 失败只记录日志：孤儿记录由后续清理路径尽力回收。
func (s *Store) Release(hashes []string, magic int32) {
	if len(hashes) == 0 {
		return
	}
	if err := s.repo.DeleteAttachments(hashes, magic); err != nil {
		s.log.Warn("failed to release attachments",
			zap.Int("count", len(hashes)),
			zap.Int32("magic", magic),
			zap.Error(err))
	}
}

// ReleaseMessage 释放一条消息引用的全部附件。
func (s *Store) ReleaseMessage(m *domain.Message) {
	if m.MimeTree == nil {
		return
	}
	hashes := make([]string, 0, len(m.MimeTree.AttachmentMap))
	for _, hash := range m.MimeTree.AttachmentMap {
		hashes = append(hashes, hash)
	}
	s.Release(hashes, m.Magic)
}
