// Package transfer streams remote artifacts to local partial files.
//
// Locators are http(s) URLs or s3://bucket/key references. Every download
// lands in the partial directory under a unique name, hashed while it is
// written; the caller decides where the finished file goes. Any failure is
// reported as services.ErrTransfer whether or not it could succeed later.
package transfer

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/zeebo/blake3"

	"fleetagent/internal/config"
	"fleetagent/internal/logging"
	"fleetagent/internal/services"
	"fleetagent/internal/version"
)

// Progress is one progress sample. Percent is -1 when the total is unknown.
type Progress struct {
	Percent     float64
	Total       int64
	Transferred int64
}

// ProgressFunc receives progress samples. It runs on the downloading goroutine.
type ProgressFunc func(Progress)

// Artifact is a completed download.
type Artifact struct {
	Path   string
	Digest string
	Size   int64
}

// HTTPDoer describes the HTTP client used for http(s) locators.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ObjectGetter is the subset of the S3 client used for s3 locators.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithHTTPClient injects the HTTP client.
func WithHTTPClient(doer HTTPDoer) Option {
	return func(d *Downloader) {
		if doer != nil {
			d.http = doer
		}
	}
}

// WithObjectGetter injects the S3 client.
func WithObjectGetter(getter ObjectGetter) Option {
	return func(d *Downloader) {
		if getter != nil {
			d.s3 = getter
		}
	}
}

// Downloader fetches artifacts.
type Downloader struct {
	partialDir string
	timeout    time.Duration
	s3cfg      config.Transfer
	http       HTTPDoer
	logger     *slog.Logger

	s3Once sync.Once
	s3     ObjectGetter
	s3Err  error
}

// New constructs a Downloader writing into partialDir.
func New(partialDir string, cfg config.Transfer, timeout time.Duration, logger *slog.Logger, opts ...Option) *Downloader {
	d := &Downloader{
		partialDir: partialDir,
		timeout:    timeout,
		s3cfg:      cfg,
		http:       http.DefaultClient,
		logger:     logging.NewComponentLogger(logger, "transfer"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NewFromConfig builds a Downloader from agent configuration.
func NewFromConfig(cfg *config.Config, logger *slog.Logger, opts ...Option) *Downloader {
	return New(cfg.Paths.DownloadDir, cfg.Transfer, cfg.TransferTimeout(), logger, opts...)
}

// Download streams locator into a new partial file. On failure the partial
// file is removed.
func (d *Downloader) Download(ctx context.Context, locator string, progress ProgressFunc) (Artifact, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	u, err := url.Parse(strings.TrimSpace(locator))
	if err != nil {
		return Artifact{}, services.Wrap(services.ErrTransfer, "transfer", "parse locator", locator, err)
	}

	var (
		body  io.ReadCloser
		total int64
	)
	switch u.Scheme {
	case "http", "https":
		body, total, err = d.openHTTP(ctx, u.String())
	case "s3":
		body, total, err = d.openS3(ctx, u)
	default:
		err = fmt.Errorf("unsupported locator scheme %q", u.Scheme)
	}
	if err != nil {
		return Artifact{}, services.Wrap(services.ErrTransfer, "transfer", "open", locator, err)
	}
	defer body.Close()

	artifact, err := d.write(ctx, body, total, progress)
	if err != nil {
		return Artifact{}, services.Wrap(services.ErrTransfer, "transfer", "write", locator, err)
	}
	return artifact, nil
}

func (d *Downloader) openHTTP(ctx context.Context, target string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("User-Agent", version.UserAgent())
	resp, err := d.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("%s returned %d", target, resp.StatusCode)
	}
	return resp.Body, resp.ContentLength, nil
}

func (d *Downloader) openS3(ctx context.Context, u *url.URL) (io.ReadCloser, int64, error) {
	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return nil, 0, fmt.Errorf("s3 locator needs bucket and key")
	}
	client, err := d.objectGetter(ctx)
	if err != nil {
		return nil, 0, err
	}
	out, err := client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return nil, 0, err
	}
	total := int64(-1)
	if out.ContentLength != nil {
		total = aws.ToInt64(out.ContentLength)
	}
	return out.Body, total, nil
}

// objectGetter builds the S3 client on first use with the default AWS
// credential chain.
func (d *Downloader) objectGetter(ctx context.Context) (ObjectGetter, error) {
	d.s3Once.Do(func() {
		if d.s3 != nil {
			return
		}
		var opts []func(*awsconfig.LoadOptions) error
		if d.s3cfg.S3Region != "" {
			opts = append(opts, awsconfig.WithRegion(d.s3cfg.S3Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			d.s3Err = fmt.Errorf("load AWS config: %w", err)
			return
		}
		var s3Opts []func(*s3.Options)
		if d.s3cfg.S3Endpoint != "" {
			endpoint := d.s3cfg.S3Endpoint
			s3Opts = append(s3Opts, func(o *s3.Options) { o.BaseEndpoint = &endpoint })
		}
		if d.s3cfg.S3UsePathStyle {
			s3Opts = append(s3Opts, func(o *s3.Options) { o.UsePathStyle = true })
		}
		d.s3 = s3.NewFromConfig(awsCfg, s3Opts...)
	})
	return d.s3, d.s3Err
}

func (d *Downloader) write(ctx context.Context, body io.Reader, total int64, progress ProgressFunc) (Artifact, error) {
	if err := os.MkdirAll(d.partialDir, 0o755); err != nil {
		return Artifact{}, fmt.Errorf("create partial dir: %w", err)
	}
	f, err := os.CreateTemp(d.partialDir, "download-*.part")
	if err != nil {
		return Artifact{}, fmt.Errorf("create partial file: %w", err)
	}
	path := f.Name()
	ok := false
	defer func() {
		if !ok {
			_ = f.Close()
			_ = os.Remove(path)
		}
	}()

	hasher := blake3.New()
	counter := &progressWriter{total: total, report: progress, sampler: logging.NewProgressSampler(10), logger: d.logger, ctx: ctx}
	written, err := io.Copy(io.MultiWriter(f, hasher, counter), body)
	if err != nil {
		return Artifact{}, err
	}
	if total > 0 && written != total {
		return Artifact{}, fmt.Errorf("short transfer: got %d of %d bytes", written, total)
	}
	if err := f.Sync(); err != nil {
		return Artifact{}, fmt.Errorf("sync partial file: %w", err)
	}
	if err := f.Close(); err != nil {
		return Artifact{}, fmt.Errorf("close partial file: %w", err)
	}
	counter.finish()
	ok = true
	return Artifact{Path: path, Digest: hex.EncodeToString(hasher.Sum(nil)), Size: written}, nil
}

type progressWriter struct {
	ctx         context.Context
	total       int64
	transferred int64
	report      ProgressFunc
	sampler     *logging.ProgressSampler
	logger      *slog.Logger
}

func (w *progressWriter) Write(p []byte) (int, error) {
	if err := w.ctx.Err(); err != nil {
		return 0, err
	}
	w.transferred += int64(len(p))
	w.emit()
	return len(p), nil
}

func (w *progressWriter) emit() {
	percent := -1.0
	if w.total > 0 {
		percent = float64(w.transferred) * 100 / float64(w.total)
	}
	if w.report != nil {
		w.report(Progress{Percent: percent, Total: w.total, Transferred: w.transferred})
	}
	if percent >= 0 && w.sampler.ShouldLog(percent, "") {
		w.logger.Debug("download progress",
			logging.Float64("percent", percent),
			logging.Int64("transferred", w.transferred),
			logging.Int64("total", w.total),
		)
	}
}

func (w *progressWriter) finish() {
	if w.total <= 0 {
		w.total = w.transferred
		w.emit()
	}
}
