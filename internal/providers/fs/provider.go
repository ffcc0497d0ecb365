// Package fs walks a file system tree with the batch executor. Directories
// are traversed in pages so a very large directory yields a continuation
// entry instead of one huge batch, and matching files are hashed and handed
// to a sink.
package fs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"path"
	"time"

	regexp "github.com/wasilibs/go-re2"

	"github.com/ahrav/batchwalk/internal/checkpoint"
	"github.com/ahrav/batchwalk/internal/providers/sink"
	"github.com/ahrav/batchwalk/pkg/batch"
	"github.com/ahrav/batchwalk/pkg/common/logger"
)

// DefaultPageSize bounds the number of directory entries returned per batch.
const DefaultPageSize = 500

// Entry is a traversal item. Offset is non-zero only for continuation entries
// that resume a directory listing part way through.
type Entry struct {
	Path   string `json:"path"`
	Dir    bool   `json:"dir"`
	Offset int    `json:"offset,omitempty"`
}

// FileRecord is what Process emits for every matching file.
type FileRecord struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
	SHA256  string    `json:"sha256"`
}

// Config controls which files are processed.
type Config struct {
	// PageSize bounds entries per directory batch. Zero means DefaultPageSize.
	PageSize int `mapstructure:"page_size" yaml:"page_size" validate:"gte=0"`
	// Include, when set, must match a file's slash-separated path.
	Include string `mapstructure:"include" yaml:"include"`
	// Exclude, when set, must not match a file's path.
	Exclude string `mapstructure:"exclude" yaml:"exclude"`
}

var _ batch.Provider = (*Provider)(nil)

// Provider implements batch.Provider over an fs.FS.
type Provider struct {
	fsys     iofs.FS
	pageSize int
	include  *regexp.Regexp
	exclude  *regexp.Regexp
	sink     sink.Sink
	logger   *logger.Logger
}

// NewProvider compiles the filters in cfg and returns a Provider over fsys.
func NewProvider(fsys iofs.FS, cfg Config, out sink.Sink, log *logger.Logger) (*Provider, error) {
	if fsys == nil || out == nil {
		return nil, errors.New("file system and sink are required")
	}
	if cfg.PageSize < 0 {
		return nil, fmt.Errorf("page size must not be negative: %d", cfg.PageSize)
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = DefaultPageSize
	}
	if log == nil {
		log = logger.Discard()
	}

	p := &Provider{
		fsys:     fsys,
		pageSize: cfg.PageSize,
		sink:     out,
		logger:   log.With("component", "fs_provider"),
	}

	var err error
	if cfg.Include != "" {
		if p.include, err = regexp.Compile(cfg.Include); err != nil {
			return nil, fmt.Errorf("invalid include pattern: %w", err)
		}
	}
	if cfg.Exclude != "" {
		if p.exclude, err = regexp.Compile(cfg.Exclude); err != nil {
			return nil, fmt.Errorf("invalid exclude pattern: %w", err)
		}
	}
	return p, nil
}

// Root returns the traversal root for the whole file system.
func Root() Entry { return Entry{Path: ".", Dir: true} }

// ItemDecoder restores checkpointed items as Entry values.
func ItemDecoder() checkpoint.ItemDecoder { return checkpoint.DecodeAs[Entry]() }

func (p *Provider) FormatForLog(item batch.Item) any {
	e, ok := item.(Entry)
	if !ok {
		return item
	}
	if e.Offset > 0 {
		return fmt.Sprintf("%s@%d", e.Path, e.Offset)
	}
	return e.Path
}

func (p *Provider) HasMore(_ context.Context, item batch.Item) (bool, error) {
	e, err := asEntry(item)
	if err != nil {
		return false, err
	}
	return e.Dir, nil
}

// GetBatch lists one page of a directory. When entries remain after the page,
// a continuation Entry for the same directory is appended.
func (p *Provider) GetBatch(ctx context.Context, item batch.Item) ([]batch.Item, error) {
	e, err := asEntry(item)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := iofs.ReadDir(p.fsys, e.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", e.Path, err)
	}
	if e.Offset >= len(entries) {
		return nil, nil
	}

	end := min(e.Offset+p.pageSize, len(entries))
	out := make([]batch.Item, 0, end-e.Offset+1)
	for _, de := range entries[e.Offset:end] {
		out = append(out, Entry{Path: path.Join(e.Path, de.Name()), Dir: de.IsDir()})
	}
	if end < len(entries) {
		out = append(out, Entry{Path: e.Path, Dir: true, Offset: end})
	}
	return out, nil
}

func (p *Provider) ShouldProcess(_ context.Context, item batch.Item) (bool, error) {
	e, err := asEntry(item)
	if err != nil {
		return false, err
	}
	if e.Dir {
		return false, nil
	}
	if p.include != nil && !p.include.MatchString(e.Path) {
		return false, nil
	}
	if p.exclude != nil && p.exclude.MatchString(e.Path) {
		return false, nil
	}
	return true, nil
}

// Process hashes the file and emits a FileRecord.
func (p *Provider) Process(ctx context.Context, item batch.Item) error {
	e, err := asEntry(item)
	if err != nil {
		return err
	}

	f, err := p.fsys.Open(e.Path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", e.Path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", e.Path, err)
	}

	h := sha256.New()
	if _, err := io.Copy(h, &ctxReader{ctx: ctx, r: f}); err != nil {
		return fmt.Errorf("failed to read %s: %w", e.Path, err)
	}

	return p.sink.Emit(ctx, FileRecord{
		Path:    e.Path,
		Size:    info.Size(),
		ModTime: info.ModTime().UTC(),
		SHA256:  hex.EncodeToString(h.Sum(nil)),
	})
}

func asEntry(item batch.Item) (Entry, error) {
	switch e := item.(type) {
	case Entry:
		return e, nil
	case *Entry:
		return *e, nil
	default:
		return Entry{}, fmt.Errorf("unexpected item type %T", item)
	}
}

// ctxReader stops a long copy once the context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(b []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(b)
}
