package catalog

import (
	"context"

	apperrors "regstore/errors"
	"regstore/logging"

	"github.com/google/uuid"
)

// IService 目录服务接口
//
// 记录存储、审计与调度层都通过该接口消费目录；
// CheckAccess 是唯一的策略判定入口。
type IService interface {
	CreateRegister(ctx context.Context, name string, metadata map[string]any) (*Register, error)
	GetRegister(ctx context.Context, id string) (*Register, error)
	ListRegisters(ctx context.Context) ([]Register, error)
	UpdateRegisterMetadata(ctx context.Context, id string, metadata map[string]any) error

	CreateKey(ctx context.Context, registerID string, mode AccessMode, handlers []HandlerName) (*Key, error)
	GetKey(ctx context.Context, id string) (*Key, error)
	ListKeys(ctx context.Context, registerID string) ([]Key, error)
	UpdateKey(ctx context.Context, key *Key) error
	DeleteKey(ctx context.Context, id string) error

	// CheckAccess 判定键在指定操作下是否放行：
	//   - read_only 拒绝 write；
	//   - write_only 拒绝 read；
	//   - 未知键返回 NOT_FOUND。
	CheckAccess(ctx context.Context, keyID string, op Operation) error
}

// Service 目录服务默认实现
type Service struct {
	repo   *SQLRepository
	logger logging.Logger
}

// NewService 创建目录服务
func NewService(repo *SQLRepository, logger logging.Logger) *Service {
	if logger == nil {
		logger = logging.ComponentLogger("catalog.service")
	}
	return &Service{repo: repo, logger: logger}
}

func (s *Service) CreateRegister(ctx context.Context, name string, metadata map[string]any) (*Register, error) {
	if name == "" {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "register name is required")
	}
	reg := &Register{
		ID:       uuid.NewString(),
		Name:     name,
		Metadata: metadata,
	}
	if err := s.repo.CreateRegister(ctx, reg); err != nil {
		return nil, err
	}
	s.logger.Info(ctx, "register created", logging.String("register_id", reg.ID), logging.String("name", name))
	return reg, nil
}

func (s *Service) GetRegister(ctx context.Context, id string) (*Register, error) {
	return s.repo.GetRegister(ctx, id)
}

func (s *Service) ListRegisters(ctx context.Context) ([]Register, error) {
	return s.repo.ListRegisters(ctx)
}

func (s *Service) UpdateRegisterMetadata(ctx context.Context, id string, metadata map[string]any) error {
	return s.repo.UpdateRegisterMetadata(ctx, id, metadata)
}

func (s *Service) CreateKey(ctx context.Context, registerID string, mode AccessMode, handlers []HandlerName) (*Key, error) {
	key := &Key{
		ID:            uuid.NewString(),
		RegisterID:    registerID,
		AccessMode:    mode,
		AfterHandlers: handlers,
	}
	if err := s.repo.CreateKey(ctx, key); err != nil {
		return nil, err
	}
	s.logger.Info(ctx, "key created",
		logging.String("key_id", key.ID),
		logging.String("register_id", registerID),
		logging.String("access_mode", string(mode)))
	return key, nil
}

func (s *Service) GetKey(ctx context.Context, id string) (*Key, error) {
	return s.repo.GetKey(ctx, id)
}

func (s *Service) ListKeys(ctx context.Context, registerID string) ([]Key, error) {
	return s.repo.ListKeys(ctx, registerID)
}

func (s *Service) UpdateKey(ctx context.Context, key *Key) error {
	return s.repo.UpdateKey(ctx, key)
}

func (s *Service) DeleteKey(ctx context.Context, id string) error {
	return s.repo.DeleteKey(ctx, id)
}

func (s *Service) CheckAccess(ctx context.Context, keyID string, op Operation) error {
	key, err := s.repo.GetKey(ctx, keyID)
	if err != nil {
		return err
	}

	switch op {
	case OperationRead:
		if !key.AllowsRead() {
			return apperrors.Newf(apperrors.ErrCodeAccessDenied, "key %s denies read (mode=%s)", keyID, key.AccessMode)
		}
	case OperationWrite:
		if !key.AllowsWrite() {
			return apperrors.Newf(apperrors.ErrCodeAccessDenied, "key %s denies write (mode=%s)", keyID, key.AccessMode)
		}
	default:
		return apperrors.Newf(apperrors.ErrCodeInvalidInput, "unknown operation: %s", op)
	}
	return nil
}
