// Package weights 管理模型文件的本地缓存，缺失时通过 HTTP 下载。
package weights

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/chaos-io/bgremover/util"
	nhttp "github.com/chaos-io/bgremover/util/http"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"
)

type Store struct {
	dir string
	cli nhttp.IClient
}

func NewStore(dir string, cli nhttp.IClient) *Store {
	if cli == nil {
		cli = nhttp.NewHTTPClient()
	}
	return &Store{dir: dir, cli: cli}
}

// Path 返回缓存文件路径，model id 中的 / 会保留为子目录
func (s *Store) Path(modelID, name string) (string, error) {
	clean := filepath.Clean(filepath.Join(s.dir, filepath.FromSlash(modelID), name))
	root := filepath.Clean(s.dir) + string(os.PathSeparator)
	if !strings.HasPrefix(clean, root) {
		return "", fmt.Errorf("invalid model path %q/%q", modelID, name)
	}
	return clean, nil
}

// Fetch 返回本地文件路径；已缓存时直接报告完成，否则下载到临时文件再原子替换
func (s *Store) Fetch(ctx context.Context, modelID, rawURL string, onProgress func(float64)) (string, error) {
	if onProgress == nil {
		onProgress = func(float64) {}
	}

	name, err := fileName(rawURL)
	if err != nil {
		return "", err
	}
	target, err := s.Path(modelID, name)
	if err != nil {
		return "", err
	}

	if info, err := os.Stat(target); err == nil && info.Size() > 0 {
		onProgress(1)
		return target, nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("create cache dir: %w", err)
	}

	tmp := filepath.Join(filepath.Dir(target), "."+ksuid.New().String()+".part")
	f, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = f.Close()
		_ = os.Remove(tmp)
	}()

	util.Logger.Info("downloading model file",
		zap.String("model", modelID),
		zap.String("url", rawURL))

	onProgress(0)
	err = s.cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
		RequestURI: rawURL,
		Method:     "GET",
		Response:   f,
		Progress: func(received, total int64) {
			if total > 0 {
				onProgress(float64(received) / float64(total))
			}
		},
	})
	if err != nil {
		return "", fmt.Errorf("download %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return "", fmt.Errorf("move %s into cache: %w", name, err)
	}

	onProgress(1)
	return target, nil
}

// Open 获取并打开一个（通常很小的）配置文件
func (s *Store) Open(ctx context.Context, modelID, rawURL string) (io.ReadCloser, error) {
	path, err := s.Fetch(ctx, modelID, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return os.Open(path)
}

func fileName(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "file" {
		return "", errors.New("file urls are not fetched, point the cache dir at the file instead")
	}
	name := filepath.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return "", fmt.Errorf("url %q has no file name", rawURL)
	}
	return name, nil
}
