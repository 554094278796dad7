package filesystem

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"surprisal/pkg/contract"
)

// Options 为 FileSystem Reader 的可选配置。
type Options struct {
	// InputDir: 输入根目录，默认 "input_files"。
	InputDir string `json:"input_dir"`
	// BufSize 为读缓冲区大小（字节）。默认 64KiB。
	BufSize int `json:"buf_size"`
}

// InputExt: 输入文件扩展名；与 contract.NormalizeFileID、contract.ArtifactFor 保持一致。
const InputExt = ".csv"

// FileSystem 按逻辑名读取 <input_dir>/<name>.csv；"-" 表示 STDIN。
type FileSystem struct {
	dir     string
	bufSize int
}

// New 创建 FileSystem Reader。
func New(opts *Options) *FileSystem {
	r := &FileSystem{dir: "input_files", bufSize: 64 * 1024}
	if opts == nil {
		return r
	}
	if d := strings.TrimSpace(opts.InputDir); d != "" {
		r.dir = d
	}
	if opts.BufSize > 0 {
		r.bufSize = opts.BufSize
	}
	return r
}

var _ contract.Reader = (*FileSystem)(nil)

// Iterate 按 names 顺序逐个回调。
// 单个文件打开失败不终止遍历：以 openErr 交给 yield，由其决定是否继续；yield 返回错误则立即停止。
func (r *FileSystem) Iterate(ctx context.Context, names []string, yield func(fileID contract.FileID, rc io.ReadCloser, openErr error) error) error {
	if len(names) > 1 {
		for _, s := range names {
			if s == "-" {
				return errors.New("stdin '-' cannot be mixed with other inputs")
			}
		}
	}
	for _, name := range names {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if name == "-" {
			if err := yield(contract.FileID("stdin"), newBufferedCloser(os.Stdin, r.bufSize), nil); err != nil {
				return err
			}
			continue
		}
		id := contract.NormalizeFileID(name)
		rc, err := r.open(id)
		if err := yield(id, rc, err); err != nil {
			if rc != nil {
				_ = rc.Close()
			}
			return err
		}
	}
	return nil
}

// Path 返回逻辑名对应的文件路径；越界名返回 ErrPathInvalid。
func (r *FileSystem) Path(id contract.FileID) (string, error) {
	rel := filepath.Clean(filepath.FromSlash(string(id)))
	if rel == "." || rel == "" || filepath.IsAbs(rel) || filepath.VolumeName(rel) != "" ||
		rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: input %q", contract.ErrPathInvalid, string(id))
	}
	return filepath.Join(r.dir, rel+InputExt), nil
}

func (r *FileSystem) open(id contract.FileID) (io.ReadCloser, error) {
	p, err := r.Path(id)
	if err != nil {
		return nil, err
	}
	// Stat 跟随符号链接；仅接受常规文件
	info, err := os.Stat(p)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, &os.PathError{Op: "open", Path: p, Err: errors.New("not a regular file")}
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	return newBufferedCloser(f, r.bufSize), nil
}

// bufferedCloser 将 bufio.Reader 与底层 Closer 组合为 ReadCloser。
type bufferedCloser struct {
	*bufio.Reader
	c io.Closer
}

func newBufferedCloser(c io.ReadCloser, bufSize int) *bufferedCloser {
	if bufSize <= 0 {
		bufSize = 64 * 1024
	}
	return &bufferedCloser{Reader: bufio.NewReaderSize(c, bufSize), c: c}
}

func (b *bufferedCloser) Close() error { return b.c.Close() }
