package download

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/liuran001/PlaybackResolver-Go/player/platform"
)

// ProgressFunc receives the number of bytes written so far and the expected total.
type ProgressFunc func(written, total int64)

// DownloadService fetches resolved streams into local files.
type DownloadService struct {
	client   *http.Client
	timeout  time.Duration
	checkMD5 bool
	attempts int
	backoff  time.Duration
}

type DownloadServiceOptions struct {
	Timeout  time.Duration
	CheckMD5 bool

	// Attempts defaults to 3. Backoff doubles after every failed attempt, starting at one second.
	Attempts int
	Backoff  time.Duration
}

func NewDownloadService(opts DownloadServiceOptions) *DownloadService {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   minDuration(opts.Timeout, 10*time.Second),
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   minDuration(opts.Timeout, 10*time.Second),
		ResponseHeaderTimeout: minDuration(opts.Timeout, 10*time.Second),
		ExpectContinueTimeout: 1 * time.Second,
	}

	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = time.Second
	}

	return &DownloadService{
		client:   &http.Client{Transport: transport},
		timeout:  opts.Timeout,
		checkMD5: opts.CheckMD5,
		attempts: attempts,
		backoff:  backoff,
	}
}

// Download writes the stream to destPath. The file only appears at destPath once it
// is complete and verified.
func (s *DownloadService) Download(ctx context.Context, info *platform.StreamInfo, destPath string, progress ProgressFunc) (int64, error) {
	if info == nil || info.URL == "" {
		return 0, errors.New("stream info missing")
	}
	if destPath == "" {
		return 0, errors.New("dest path missing")
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return 0, err
	}
	partPath := destPath + ".part"

	var lastErr error
	for attempt := 0; attempt < s.attempts; attempt++ {
		written, err := s.downloadOnce(ctx, info, partPath, progress)
		if err == nil {
			if err := s.verify(info, partPath, written); err != nil {
				_ = os.Remove(partPath)
				return 0, err
			}
			if err := os.Rename(partPath, destPath); err != nil {
				_ = os.Remove(partPath)
				return 0, err
			}
			return written, nil
		}
		lastErr = err
		_ = os.Remove(partPath)
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if attempt < s.attempts-1 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(s.backoff << attempt):
			}
		}
	}
	return 0, lastErr
}

func (s *DownloadService) verify(info *platform.StreamInfo, path string, written int64) error {
	if info.Size > 0 && written != info.Size {
		return fmt.Errorf("incomplete download: got %d bytes, expected %d", written, info.Size)
	}
	if s.checkMD5 && info.MD5 != "" {
		ok, err := verifyMD5(path, info.MD5)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("md5 verification failed")
		}
	}
	return nil
}

func (s *DownloadService) downloadOnce(ctx context.Context, info *platform.StreamInfo, destPath string, progress ProgressFunc) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, info.URL, nil)
	if err != nil {
		return 0, err
	}
	for k, v := range info.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	file, err := os.Create(destPath)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	total := info.Size
	if total <= 0 {
		total = resp.ContentLength
	}
	return copyWithProgress(file, resp.Body, total, progress)
}

func copyWithProgress(dst io.Writer, src io.Reader, total int64, progress ProgressFunc) (int64, error) {
	buf := make([]byte, 128*1024)
	var written int64
	lastUpdate := time.Now()

	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return written, werr
			}
			written += int64(n)
			if progress != nil && time.Since(lastUpdate) >= 2*time.Second {
				progress(written, total)
				lastUpdate = time.Now()
			}
		}
		if err != nil {
			if err == io.EOF {
				if progress != nil {
					progress(written, total)
				}
				return written, nil
			}
			return written, err
		}
	}
}

func verifyMD5(filePath, expected string) (bool, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return false, err
	}
	defer file.Close()

	h := md5.New()
	if _, err := io.Copy(h, file); err != nil {
		return false, err
	}
	actual := hex.EncodeToString(h.Sum(nil))
	return strings.EqualFold(actual, expected), nil
}

func minDuration(a, b time.Duration) time.Duration {
	if a == 0 || a > b {
		return b
	}
	return a
}
