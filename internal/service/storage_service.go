package service

import (
	"assignment_backend/internal/config"
	"assignment_backend/internal/model"
	"assignment_backend/internal/util"
	"assignment_backend/pkg/logger"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// StorageProvider 把证明材料的对象 key 解析为可下载地址（上传由客户端直传完成）
type StorageProvider interface {
	DownloadURL(ctx context.Context, key, filename string) (string, error)
}

// LocalStorageProvider 本地存储实现
type LocalStorageProvider struct {
	Config *config.StorageConfig
}

func (p *LocalStorageProvider) DownloadURL(_ context.Context, key, _ string) (string, error) {
	return "/uploads/" + strings.TrimPrefix(key, "/"), nil
}

// MinioStorageProvider MinIO存储实现
type MinioStorageProvider struct {
	Config *config.StorageConfig
	Client *minio.Client
}

func NewMinioStorageProvider(cfg *config.StorageConfig) (*MinioStorageProvider, error) {
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessID, cfg.MinioSecret, ""),
		Secure: cfg.MinioSecure,
	})
	if err != nil {
		return nil, err
	}
	return &MinioStorageProvider{Config: cfg, Client: client}, nil
}

func (p *MinioStorageProvider) DownloadURL(ctx context.Context, key, filename string) (string, error) {
	params := url.Values{}
	if filename != "" {
		params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", filename))
	}
	u, err := p.Client.PresignedGetObject(ctx, p.Config.MinioBucket, key, p.Config.URLExpiry, params)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// OSSStorageProvider 阿里云OSS存储实现
type OSSStorageProvider struct {
	Config *config.StorageConfig
	Client *oss.Client
}

func NewOSSStorageProvider(cfg *config.StorageConfig) (*OSSStorageProvider, error) {
	client, err := oss.New(cfg.OSSEndpoint, cfg.OSSAccessKey, cfg.OSSSecretKey)
	if err != nil {
		return nil, err
	}
	return &OSSStorageProvider{Config: cfg, Client: client}, nil
}

func (p *OSSStorageProvider) DownloadURL(_ context.Context, key, filename string) (string, error) {
	bucket, err := p.Client.Bucket(p.Config.OSSBucket)
	if err != nil {
		return "", err
	}
	var opts []oss.Option
	if filename != "" {
		opts = append(opts, oss.ResponseContentDisposition(fmt.Sprintf("attachment; filename=%q", filename)))
	}
	return bucket.SignURL(key, oss.HTTPGet, int64(p.Config.URLExpiry/time.Second), opts...)
}

// StorageService 存储服务
type StorageService struct {
	Provider StorageProvider
}

func NewStorageService(cfg *config.StorageConfig) *StorageService {
	var provider StorageProvider
	switch cfg.Type {
	case util.StorageMinio:
		p, err := NewMinioStorageProvider(cfg)
		if err == nil {
			provider = p
		} else {
			logger.Log.Warn("minio unavailable, falling back to local storage", zap.Error(err))
		}
	case util.StorageOSS:
		p, err := NewOSSStorageProvider(cfg)
		if err == nil {
			provider = p
		} else {
			logger.Log.Warn("oss unavailable, falling back to local storage", zap.Error(err))
		}
	}

	if provider == nil {
		provider = &LocalStorageProvider{Config: cfg}
	}

	return &StorageService{Provider: provider}
}

// EvidenceFile is a FileMeta with a resolved download link.
type EvidenceFile struct {
	model.FileMeta
	URL string `json:"url,omitempty"`
}

// ResolveFiles 为每个文件生成下载地址；单个文件失败不影响其他文件
func (s *StorageService) ResolveFiles(ctx context.Context, files []model.FileMeta) []EvidenceFile {
	out := make([]EvidenceFile, 0, len(files))
	for _, f := range files {
		ef := EvidenceFile{FileMeta: f}
		if s != nil && s.Provider != nil {
			u, err := s.Provider.DownloadURL(ctx, f.Key, f.Name)
			if err != nil {
				logger.Log.Warn("resolve evidence url failed", zap.String("key", f.Key), zap.Error(err))
			} else {
				ef.URL = u
			}
		}
		out = append(out, ef)
	}
	return out
}
