package photo

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hitoshi/eventsync/internal/model"
)

// ObjectStoreConfig はS3互換ストレージの接続設定。
type ObjectStoreConfig struct {
	Endpoint      string // ホスト:ポート、またはスキーム付きURL
	AccessKey     string
	SecretKey     string
	Bucket        string
	Region        string
	UseSSL        bool
	PublicBaseURL string // 公開URLのベース。空の場合はエンドポイントから組み立てる
}

// ObjectStore はMinIO（S3互換）上に写真を保存するBlobStore。
type ObjectStore struct {
	client *minio.Client
	cfg    ObjectStoreConfig
}

// NewObjectStore はObjectStoreを生成する。接続は最初の呼び出しまで行わない。
func NewObjectStore(cfg ObjectStoreConfig) (*ObjectStore, error) {
	endpoint := cfg.Endpoint
	if strings.HasPrefix(endpoint, "http") {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("parse endpoint: %w", err)
		}
		endpoint = u.Host
		cfg.UseSSL = u.Scheme == "https"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}

	return &ObjectStore{client: client, cfg: cfg}, nil
}

// EnsureBucket はバケットが存在しなければ作成する。
func (s *ObjectStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("bucket exists %s: %w", s.cfg.Bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.cfg.Bucket, minio.MakeBucketOptions{Region: s.cfg.Region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.cfg.Bucket, err)
	}
	return nil
}

// Put はオブジェクトを保存し、公開URLを返す。
// ストレージが応答を返した失敗はREMOTE_REJECTED、それ以外はREMOTE_UNAVAILABLEとする。
func (s *ObjectStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, s.cfg.Bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code != "" {
			return "", model.NewRemoteRejectedError(resp.Code, err)
		}
		return "", model.NewRemoteUnavailableError(err)
	}
	return s.PublicURL(key), nil
}

// PublicURL はオブジェクトキーの公開URLを返す。
func (s *ObjectStore) PublicURL(key string) string {
	base := strings.TrimRight(s.cfg.PublicBaseURL, "/")
	if base == "" {
		base = strings.TrimRight(s.client.EndpointURL().String(), "/")
	}
	return base + "/" + s.cfg.Bucket + "/" + key
}

// compile-time interface check
var _ BlobStore = (*ObjectStore)(nil)
