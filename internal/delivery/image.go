package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"bilirelay/pkg/logx"
)

// bmpFileHeader is the BITMAPFILEHEADER that CF_DIB payloads must not carry.
const bmpFileHeader = 14

const maxImageBytes = 32 << 20

var ErrNoImage = errors.New("delivery: empty image reference")

// ImageOptions configures Images.
type ImageOptions struct {
	// Dir holds the current job's downloaded image; it is purged per job.
	Dir        string
	Attempts   uint
	RetryDelay time.Duration
	UserAgent  string
	HTTPClient *http.Client
}

// Images downloads, decodes and converts cover images into clipboard bitmaps.
type Images struct {
	opt  ImageOptions
	http *http.Client
	log  logx.Logger
}

func NewImages(opt ImageOptions, log logx.Logger) *Images {
	if opt.Dir == "" {
		opt.Dir = filepath.Join(os.TempDir(), "bilirelay-images")
	}
	if opt.Attempts == 0 {
		opt.Attempts = 3
	}
	if opt.RetryDelay <= 0 {
		opt.RetryDelay = time.Second
	}
	hc := opt.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Images{opt: opt, http: hc, log: log.With(logx.String("comp", "images"))}
}

// Prepare resolves ref (an http(s) URL or a local path) into a DIB payload.
func (p *Images) Prepare(ctx context.Context, ref string) ([]byte, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, ErrNoImage
	}
	if strings.HasPrefix(ref, "//") {
		ref = "https:" + ref
	}

	var raw []byte
	if u, err := url.Parse(ref); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		if err := p.purge(); err != nil {
			p.log.Warn("image dir purge failed", logx.Err(err))
		}
		file, err := p.download(ctx, u)
		if err != nil {
			return nil, err
		}
		raw, err = os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read image: %w", err)
		}
	} else {
		raw, err = os.ReadFile(ref)
		if err != nil {
			return nil, fmt.Errorf("read image: %w", err)
		}
	}
	return ToDIB(raw)
}

// purge removes every artifact of earlier jobs.
func (p *Images) purge() error {
	if err := os.MkdirAll(p.opt.Dir, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(p.opt.Dir)
	if err != nil {
		return err
	}
	var errs []error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(p.opt.Dir, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Images) download(ctx context.Context, u *url.URL) (string, error) {
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		name = "cover"
	}
	dst := filepath.Join(p.opt.Dir, name)

	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			if p.opt.UserAgent != "" {
				req.Header.Set("User-Agent", p.opt.UserAgent)
			}
			req.Header.Set("Referer", "https://www.bilibili.com/")
			resp, err := p.http.Do(req)
			if err != nil {
				return err
			}
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode != http.StatusOK {
				err := fmt.Errorf("image http %d", resp.StatusCode)
				if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
					return retry.Unrecoverable(err)
				}
				return err
			}
			b, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
			if err != nil {
				return err
			}
			return os.WriteFile(dst, b, 0o600)
		},
		retry.Attempts(p.opt.Attempts),
		retry.Delay(p.opt.RetryDelay),
		retry.MaxDelay(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			p.log.Info("retrying image download", logx.Int("attempt", int(n)+1), logx.Err(err))
		}),
	)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", u.Redacted(), err)
	}
	return dst, nil
}

// ToDIB decodes jpeg/png/gif/webp data, flattens it to opaque RGB and returns
// a BMP body without its file header.
func ToDIB(raw []byte) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	b := src.Bounds()
	flat := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(flat, flat.Bounds(), image.White, image.Point{}, draw.Src)
	draw.Draw(flat, flat.Bounds(), src, b.Min, draw.Over)

	var buf bytes.Buffer
	if err := bmp.Encode(&buf, flat); err != nil {
		return nil, fmt.Errorf("encode bmp: %w", err)
	}
	out := buf.Bytes()
	if len(out) <= bmpFileHeader {
		return nil, errors.New("encode bmp: short output")
	}
	return out[bmpFileHeader:], nil
}
