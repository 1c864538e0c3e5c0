// Package download implements the resumable HTTP downloader: Range-based
// resume, sidecar metadata, hash verification, and extended-timeout
// handling for object-storage/CDN hosts.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/nuwax-ai/nuwa-upgrade/internal/retry"
	"github.com/nuwax-ai/nuwa-upgrade/internal/telemetry"
)

// Type selects which transport profile a download uses.
type Type int

const (
	TypeHTTP Type = iota
	TypeHTTPExtendedTimeout
)

// Config tunes downloader behavior.
type Config struct {
	TimeoutSeconds          int
	ExtendedTimeoutSeconds  int
	ChunkSize               int
	RetryCount              int
	EnableResume            bool
	ResumeThresholdBytes    int64
	ProgressIntervalSeconds int
	ProgressBytesInterval   int64
	MetadataSaveInterval    time.Duration
}

// DefaultConfig mirrors the reference downloader's defaults.
func DefaultConfig() Config {
	return Config{
		TimeoutSeconds:          3600,
		ExtendedTimeoutSeconds:  7200,
		ChunkSize:               8192,
		RetryCount:              3,
		EnableResume:            true,
		ResumeThresholdBytes:    1024 * 1024,
		ProgressIntervalSeconds: 10,
		ProgressBytesInterval:   100 * 1024 * 1024,
		MetadataSaveInterval:    5 * time.Minute,
	}
}

// Metadata is the <target>.download sidecar recording an in-progress
// transfer so it can be resumed by a later call.
type Metadata struct {
	URL             string    `json:"url"`
	ExpectedSize    int64     `json:"expected_size"`
	ExpectedHash    string    `json:"expected_hash,omitempty"`
	DownloadedBytes int64     `json:"downloaded_bytes"`
	StartTime       time.Time `json:"start_time"`
	LastUpdate      time.Time `json:"last_update"`
	Version         string    `json:"version"`
}

// IsSameTask reports whether meta describes the same logical transfer as
// url/size/version — same-task identity used to decide resumability.
func (m *Metadata) IsSameTask(u string, size int64, version string) bool {
	return m.URL == u && m.ExpectedSize == size && m.Version == version
}

func metadataPath(target string) string {
	return target + ".download"
}

func loadMetadata(target string) (*Metadata, error) {
	data, err := os.ReadFile(metadataPath(target))
	if err != nil {
		return nil, err
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func saveMetadata(target string, m *Metadata) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return os.WriteFile(metadataPath(target), data, 0o644)
}

func cleanupMetadata(target string) {
	_ = os.Remove(metadataPath(target))
}

// ProgressFunc receives downloaded/total byte counts as a transfer proceeds.
type ProgressFunc func(downloaded, total int64)

// objectStorageHostFragments are hostname substrings that identify
// object-storage or CDN origins known to support Range but sometimes omit
// Accept-Ranges/Content-Length on HEAD responses, so their support is
// assumed rather than strictly probed.
var objectStorageHostFragments = []string{
	"aliyuncs.com",        // Aliyun OSS
	"myqcloud.com",        // Tencent COS
	"obs.", "huaweicloud.com", // Huawei OBS
	"amazonaws.com", "s3.",   // AWS S3
	"qiniucdn.com", "clouddn.com", // Qiniu
	"upaiyun.com", "upyun.com", // Upyun
	"bcebos.com",          // Baidu BOS
	"jcloud.com", "jdcloud.com", // JD OSS
	"cloudfront.net",      // CloudFront
	"fastly.net",          // Fastly
	"jsdelivr.net",        // jsDelivr
	"unpkg.com",           // unpkg
	"cdnjs.cloudflare.com", // cdnjs
	"bootcdn.net",         // BootCDN
	"staticfile.org",      // staticfile.org
}

// IsObjectStorageOrCDNURL reports whether rawURL's host matches a known
// object-storage or CDN provider.
func IsObjectStorageOrCDNURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, frag := range objectStorageHostFragments {
		if strings.Contains(host, frag) {
			return true
		}
	}
	return false
}

// GetDownloaderType picks the extended-timeout transport for
// object-storage/CDN origins, which can be slow to start streaming large
// artifacts.
func GetDownloaderType(rawURL string) Type {
	if IsObjectStorageOrCDNURL(rawURL) {
		return TypeHTTPExtendedTimeout
	}
	return TypeHTTP
}

// Downloader performs resumable HTTP downloads to a target path.
type Downloader struct {
	config   Config
	client   *http.Client
	limiter  *rate.Limiter
	retry    *retry.Executor
	recorder *telemetry.Recorder
}

// WithRecorder attaches a telemetry Recorder that subsequent Download calls
// report transferred bytes to. Returns d for chaining; a nil recorder
// restores no-op behavior.
func (d *Downloader) WithRecorder(recorder *telemetry.Recorder) *Downloader {
	d.recorder = recorder
	return d
}

// New creates a Downloader using an internally constructed http.Client
// sized from config.
func New(config Config) *Downloader {
	return NewWithClient(config, &http.Client{Timeout: time.Duration(config.TimeoutSeconds) * time.Second})
}

// NewWithClient creates a Downloader using a caller-supplied http.Client,
// e.g. for test injection.
func NewWithClient(config Config, client *http.Client) *Downloader {
	return &Downloader{
		config:  config,
		client:  client,
		limiter: rate.NewLimiter(rate.Every(time.Duration(config.ProgressIntervalSeconds)*time.Second), 1),
		retry:   retry.NewExecutor(retry.Config{MaxRetries: config.RetryCount, InitialDelay: time.Second, MaxDelay: 30 * time.Second, BackoffFactor: 2, JitterFactor: 0.1}, nil, nil),
	}
}

func (d *Downloader) httpClientFor(downloaderType Type) *http.Client {
	if downloaderType == TypeHTTPExtendedTimeout {
		return &http.Client{Timeout: time.Duration(d.config.ExtendedTimeoutSeconds) * time.Second}
	}
	return d.client
}

// Options augments a single Download call.
type Options struct {
	Version      string
	ExpectedHash string
	ExpectedSize int64
	OnProgress   ProgressFunc
}

// Download fetches rawURL to target, resuming a previous partial transfer
// when metadata and on-disk bytes agree, and verifying the final file
// against opts.ExpectedHash when supplied.
func (d *Downloader) Download(ctx context.Context, rawURL, target string, opts Options) error {
	downloaderType := GetDownloaderType(rawURL)

	if opts.ExpectedHash != "" {
		if ok, _ := VerifyFileIntegrity(target, opts.ExpectedHash); ok {
			cleanupMetadata(target)
			return nil
		}
	}

	if d.config.EnableResume {
		resumable, offset, err := d.checkResumeFeasibility(target, rawURL, opts)
		if err != nil {
			return err
		}
		if resumable && offset > 0 {
			if err := d.downloadWithResume(ctx, rawURL, target, offset, opts, downloaderType); err != nil {
				return err
			}
			return d.finish(target, opts)
		}
	}

	if err := d.downloadWithResume(ctx, rawURL, target, 0, opts, downloaderType); err != nil {
		return err
	}
	return d.finish(target, opts)
}

func (d *Downloader) finish(target string, opts Options) error {
	if opts.ExpectedHash != "" {
		ok, err := VerifyFileIntegrity(target, opts.ExpectedHash)
		if err != nil {
			return fmt.Errorf("verifying downloaded file: %w", err)
		}
		if !ok {
			return fmt.Errorf("hash mismatch for %s", target)
		}
	}
	// The local hash record is for audit only; failing to write it does
	// not fail the download.
	_ = WriteHashSidecar(target)
	cleanupMetadata(target)
	return nil
}

// checkResumeFeasibility inspects existing sidecar metadata and on-disk
// bytes to decide whether a resume is possible, short-circuiting on a
// hash match and discarding unusable partial state.
func (d *Downloader) checkResumeFeasibility(target, rawURL string, opts Options) (resumable bool, offset int64, err error) {
	info, statErr := os.Stat(target)
	if statErr != nil {
		return false, 0, nil
	}

	if opts.ExpectedHash != "" {
		if ok, _ := VerifyFileIntegrity(target, opts.ExpectedHash); ok {
			return false, 0, nil
		}
	}

	meta, metaErr := loadMetadata(target)
	if metaErr != nil {
		return false, 0, nil
	}
	if !meta.IsSameTask(rawURL, opts.ExpectedSize, opts.Version) {
		_ = os.Remove(target)
		cleanupMetadata(target)
		return false, 0, nil
	}

	if info.Size() == 0 {
		_ = os.Remove(target)
		cleanupMetadata(target)
		return false, 0, nil
	}

	if opts.ExpectedSize > 0 && info.Size() >= opts.ExpectedSize {
		// complete on disk but failed hash check above: corrupt, redownload
		_ = os.Remove(target)
		cleanupMetadata(target)
		return false, 0, nil
	}

	if info.Size() < d.config.ResumeThresholdBytes {
		_ = os.Remove(target)
		cleanupMetadata(target)
		return false, 0, nil
	}

	return true, info.Size(), nil
}

// checkRangeSupport issues a HEAD request to determine content length and
// Range support, assuming lenient support for known object-storage/CDN
// hosts whose HEAD responses are sometimes missing Accept-Ranges.
func (d *Downloader) checkRangeSupport(ctx context.Context, rawURL string) (size int64, supportsRange bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return 0, false, err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, false, err
	}
	defer resp.Body.Close()

	size = resp.ContentLength
	if size < 0 {
		if cl := resp.Header.Get("Content-Length"); cl != "" {
			if n, parseErr := strconv.ParseInt(cl, 10, 64); parseErr == nil {
				size = n
			}
		}
	}

	supportsRange = resp.Header.Get("Accept-Ranges") == "bytes"
	if !supportsRange && IsObjectStorageOrCDNURL(rawURL) {
		supportsRange = true
	}

	return size, supportsRange, nil
}

func (d *Downloader) downloadWithResume(ctx context.Context, rawURL, target string, offset int64, opts Options, downloaderType Type) error {
	client := d.httpClientFor(downloaderType)

	return d.retry.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return err
		}
		if offset > 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		}

		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusPartialContent:
			return d.stream(ctx, resp.Body, target, offset, rawURL, opts, true)
		case http.StatusOK, http.StatusRequestedRangeNotSatisfiable:
			if offset > 0 {
				// server ignored or rejected the range request: fall back
				// to a full redownload from zero.
				_ = os.Remove(target)
				cleanupMetadata(target)
				if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
					return d.downloadWithResume(ctx, rawURL, target, 0, opts, downloaderType)
				}
				return d.stream(ctx, resp.Body, target, 0, rawURL, opts, false)
			}
			return d.stream(ctx, resp.Body, target, 0, rawURL, opts, false)
		default:
			return fmt.Errorf("unexpected status %d downloading %s", resp.StatusCode, rawURL)
		}
	})
}

func (d *Downloader) stream(ctx context.Context, body io.Reader, target string, offset int64, rawURL string, opts Options, appending bool) error {
	flag := os.O_CREATE | os.O_WRONLY
	if appending {
		flag |= os.O_APPEND
	} else {
		flag |= os.O_TRUNC
	}

	f, err := os.OpenFile(target, flag, 0o644)
	if err != nil {
		return fmt.Errorf("opening target file: %w", err)
	}
	defer f.Close()

	meta := &Metadata{
		URL:             rawURL,
		ExpectedSize:    opts.ExpectedSize,
		ExpectedHash:    opts.ExpectedHash,
		DownloadedBytes: offset,
		StartTime:       time.Now(),
		LastUpdate:      time.Now(),
		Version:         opts.Version,
	}

	buf := make([]byte, d.config.ChunkSize)
	downloaded := offset
	var sinceProgress int64
	lastMetaSave := time.Now()

	for {
		select {
		case <-ctx.Done():
			_ = saveMetadata(target, meta)
			return ctx.Err()
		default:
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				_ = saveMetadata(target, meta)
				return fmt.Errorf("writing downloaded chunk: %w", werr)
			}
			downloaded += int64(n)
			sinceProgress += int64(n)
			meta.DownloadedBytes = downloaded
			meta.LastUpdate = time.Now()
			d.recorder.RecordDownloadBytes(hostFor(rawURL), int64(n))

			complete := opts.ExpectedSize > 0 && downloaded >= opts.ExpectedSize
			if opts.OnProgress != nil &&
				(sinceProgress >= d.config.ProgressBytesInterval || complete || d.limiter.Allow()) {
				opts.OnProgress(downloaded, opts.ExpectedSize)
				sinceProgress = 0
			}

			if time.Since(lastMetaSave) >= d.config.MetadataSaveInterval {
				_ = saveMetadata(target, meta)
				lastMetaSave = time.Now()
			}
		}

		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			_ = saveMetadata(target, meta)
			return fmt.Errorf("reading download stream: %w", readErr)
		}
	}
}

// hostFor extracts the hostname label used for per-origin download-bytes
// metrics, falling back to the raw URL if it fails to parse.
func hostFor(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return rawURL
	}
	return u.Hostname()
}

// CalculateFileHash computes the SHA-256 hex digest of path.
func CalculateFileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, 8192)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyFileIntegrity reports whether path's SHA-256 matches expectedHash
// (case-insensitive hex comparison).
func VerifyFileIntegrity(path, expectedHash string) (bool, error) {
	actual, err := CalculateFileHash(path)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(actual, expectedHash), nil
}

// ArtifactPaths returns the conventional hash-sidecar path for a
// downloaded artifact, written alongside it regardless of whether the
// manifest supplied an expected hash to compare against (see DESIGN.md
// Open Question 1).
func ArtifactPaths(target string) (hashSidecar string) {
	return target + ".hash"
}

// WriteHashSidecar computes and persists the SHA-256 of target next to it.
func WriteHashSidecar(target string) error {
	hash, err := CalculateFileHash(target)
	if err != nil {
		return err
	}
	return os.WriteFile(ArtifactPaths(target), []byte(hash), 0o644)
}
