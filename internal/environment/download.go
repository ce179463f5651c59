package environment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

// progressRate caps how often download progress is reported.
const progressRate = rate.Limit(4)

// Downloader fetches runtime archives over HTTP.
type Downloader struct {
	Client *http.Client
	// UserAgent is sent with every request.
	UserAgent string

	bytesCounter metric.Int64Counter
}

// NewDownloader creates a Downloader using client, or a default client
// with a connect-phase timeout when nil.
func NewDownloader(client *http.Client) *Downloader {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				TLSHandshakeTimeout:   30 * time.Second,
				ResponseHeaderTimeout: 60 * time.Second,
			},
		}
	}
	counter, _ := otel.Meter("quickanim-environment").Int64Counter("quickanim.provision.download.bytes",
		metric.WithDescription("Bytes downloaded while provisioning the runtime"),
		metric.WithUnit("By"),
	)
	return &Downloader{Client: client, UserAgent: "quickanim", bytesCounter: counter}
}

// Fetch downloads src into dir and verifies its size and checksum. The
// returned path is inside dir. Partial files are removed on failure.
func (d *Downloader) Fetch(ctx context.Context, src DownloadSource, dir string, report ProgressFunc) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return "", provisionErr(StageDownload, FailInvalidSource, err)
	}
	if d.UserAgent != "" {
		req.Header.Set("User-Agent", d.UserAgent)
	}

	resp, err := d.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", provisionErr(StageDownload, FailNetworkUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", provisionErr(StageDownload, FailNetworkUnreachable,
			fmt.Errorf("GET %s: unexpected status %s", src.URL, resp.Status))
	}

	total := resp.ContentLength
	if src.Size > 0 {
		if total >= 0 && total != src.Size {
			return "", provisionErr(StageVerify, FailSizeMismatch,
				fmt.Errorf("server reports %d bytes, expected %d", total, src.Size))
		}
		total = src.Size
	}

	name := src.FileName
	if name == "" || name == "." || name == "/" {
		name = "runtime-archive"
	}
	dest := filepath.Join(dir, name)
	f, err := os.Create(dest)
	if err != nil {
		return "", provisionErr(StageDownload, classifyWriteErr(err), err)
	}
	ok := false
	defer func() {
		if !ok {
			_ = f.Close()
			_ = os.Remove(dest)
		}
	}()

	h := sha256.New()
	pw := &progressWriter{
		ctx:     ctx,
		total:   total,
		report:  report,
		limiter: rate.NewLimiter(progressRate, 1),
		counter: d.bytesCounter,
	}
	n, err := io.Copy(io.MultiWriter(f, h, pw), resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		var pathErr *os.PathError
		if errors.As(err, &pathErr) || errors.Is(err, syscall.ENOSPC) {
			return "", provisionErr(StageDownload, classifyWriteErr(err), err)
		}
		return "", provisionErr(StageDownload, FailNetworkUnreachable, err)
	}
	if err := f.Sync(); err != nil {
		return "", provisionErr(StageDownload, classifyWriteErr(err), err)
	}
	if err := f.Close(); err != nil {
		return "", provisionErr(StageDownload, classifyWriteErr(err), err)
	}
	pw.flush()

	if err := verifyArchive(src, n, resp.ContentLength, h); err != nil {
		return "", err
	}
	ok = true
	return dest, nil
}

func verifyArchive(src DownloadSource, n, contentLength int64, h hash.Hash) error {
	if src.Size > 0 && n != src.Size {
		return provisionErr(StageVerify, FailSizeMismatch, fmt.Errorf("downloaded %d bytes, expected %d", n, src.Size))
	}
	if src.Size == 0 && contentLength >= 0 && n != contentLength {
		return provisionErr(StageVerify, FailSizeMismatch, fmt.Errorf("downloaded %d bytes, server announced %d", n, contentLength))
	}
	if src.SHA256 != "" {
		got := hex.EncodeToString(h.Sum(nil))
		if got != src.SHA256 {
			return provisionErr(StageVerify, FailChecksumMismatch, fmt.Errorf("sha256 %s, expected %s", got, src.SHA256))
		}
	}
	return nil
}

func classifyWriteErr(err error) FailureReason {
	if errors.Is(err, syscall.ENOSPC) {
		return FailInsufficientDisk
	}
	return FailIO
}

// progressWriter reports throttled download progress.
type progressWriter struct {
	ctx     context.Context
	done    int64
	total   int64
	report  ProgressFunc
	limiter *rate.Limiter
	counter metric.Int64Counter
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.done += int64(len(b))
	if p.counter != nil {
		p.counter.Add(p.ctx, int64(len(b)))
	}
	if p.report != nil && p.limiter.Allow() {
		p.emit()
	}
	return len(b), nil
}

func (p *progressWriter) flush() {
	if p.report != nil {
		p.emit()
	}
}

func (p *progressWriter) emit() {
	pr := Progress{Stage: StageDownload, BytesDone: p.done, BytesTotal: p.total, Percent: -1}
	if p.total > 0 {
		pr.Percent = int(p.done * 100 / p.total)
	}
	p.report(pr)
}
