package bilibili

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/liuran001/PlaybackResolver-Go/player"
	"github.com/liuran001/PlaybackResolver-Go/player/platform"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	referer   = "https://www.bilibili.com/"

	defaultAPIBase = "https://api.bilibili.com"
)

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	Cookie string

	// RateLimit is the number of API requests allowed per second. Zero disables pacing.
	RateLimit float64

	// BaseURL replaces https://api.bilibili.com, used by tests.
	BaseURL string

	MaxRetries int
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Client provides resilient Bilibili API calls.
type Client struct {
	httpClient *retryablehttp.Client
	breaker    *gobreaker.CircuitBreaker
	limiter    *rate.Limiter
	lookups    singleflight.Group
	baseURL    string
	maxRetries int
	minBackoff time.Duration
	maxBackoff time.Duration
	logger     player.Logger

	cookieMutex sync.RWMutex
	cookie      string
}

// AudioStreamUrlData holds the stream URL data of a bilibili audio (au) track.
type AudioStreamUrlData struct {
	Sid     int      `json:"sid"`
	Type    int      `json:"type"`
	Timeout int      `json:"timeout"`
	Size    int      `json:"size"`
	Cdns    []string `json:"cdns"`
	Title   string   `json:"title"`
	Cover   string   `json:"cover"`
}

// VideoInfoData contains metadata for a video.
type VideoInfoData struct {
	Bvid     string      `json:"bvid"`
	Aid      int         `json:"aid"`
	Cid      int         `json:"cid"`
	Pages    []VideoPage `json:"pages"`
	Title    string      `json:"title"`
	Pic      string      `json:"pic"`
	Duration int         `json:"duration"`
	Owner    struct {
		Mid  int    `json:"mid"`
		Name string `json:"name"`
	} `json:"owner"`
}

// VideoPage is one part of a multi-part video.
type VideoPage struct {
	Cid      int    `json:"cid"`
	Page     int    `json:"page"`
	Part     string `json:"part"`
	Duration int    `json:"duration"`
}

// VideoDashAudio represents an audio stream within the DASH format.
type VideoDashAudio struct {
	ID        int      `json:"id"`
	BaseURL   string   `json:"baseUrl"`
	BackupURL []string `json:"backupUrl"`
	Bandwidth int      `json:"bandwidth"`
	MimeType  string   `json:"mimeType"`
	Codecs    string   `json:"codecs"`
}

type videoPlayUrlData struct {
	Dash struct {
		Duration int              `json:"duration"`
		Audio    []VideoDashAudio `json:"audio"`
		Dolby    *struct {
			Audio []VideoDashAudio `json:"audio"`
		} `json:"dolby"`
		Flac *struct {
			Audio *VideoDashAudio `json:"audio"`
		} `json:"flac"`
	} `json:"dash"`
}

// apiEnvelope is the common response wrapper. Audio endpoints use "msg".
type apiEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Msg     string          `json:"msg"`
	Data    json.RawMessage `json:"data"`
}

// New returns an instance of Bilibili client.
func New(logger player.Logger, opts Options) *Client {
	c := &Client{
		httpClient: retryablehttp.NewClient(),
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		maxRetries: opts.MaxRetries,
		minBackoff: opts.MinBackoff,
		maxBackoff: opts.MaxBackoff,
		logger:     logger,
		cookie:     strings.TrimSpace(opts.Cookie),
	}
	if c.baseURL == "" {
		c.baseURL = defaultAPIBase
	}
	if c.maxRetries <= 0 {
		c.maxRetries = 3
	}
	if c.minBackoff <= 0 {
		c.minBackoff = 1 * time.Second
	}
	if c.maxBackoff <= 0 {
		c.maxBackoff = 5 * time.Second
	}
	if opts.RateLimit > 0 {
		burst := int(opts.RateLimit)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	c.httpClient.RetryMax = c.maxRetries
	c.httpClient.RetryWaitMin = c.minBackoff
	c.httpClient.RetryWaitMax = c.maxBackoff
	c.httpClient.Logger = nil

	settings := gobreaker.Settings{
		Name:        "bilibili-api",
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			// Missing content is an answer, not an outage.
			return err == nil || isPermanent(err)
		},
	}

	c.breaker = gobreaker.NewCircuitBreaker(settings)
	return c
}

// SetCookie replaces the cookie sent with every request.
func (c *Client) SetCookie(cookie string) {
	c.cookieMutex.Lock()
	c.cookie = strings.TrimSpace(cookie)
	c.cookieMutex.Unlock()
}

func (c *Client) currentCookie() string {
	c.cookieMutex.RLock()
	defer c.cookieMutex.RUnlock()
	return c.cookie
}

func (c *Client) setHeaders(req *retryablehttp.Request) {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Referer", referer)
	if cookie := c.currentCookie(); cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
}

// streamHeaders are required by the bilibili CDN when fetching media.
func streamHeaders() map[string]string {
	return map[string]string{
		"User-Agent": userAgent,
		"Referer":    referer,
	}
}

// GetVideoInfo fetches metadata for a video using its id (bvid or av).
func (c *Client) GetVideoInfo(ctx context.Context, id string) (*VideoInfoData, error) {
	if c.logger != nil {
		c.logger.Debug("bilibili: fetching video info", "id", id)
	}

	query := url.Values{}
	if strings.HasPrefix(strings.ToLower(id), "av") {
		query.Set("aid", id[2:])
	} else {
		query.Set("bvid", id)
	}

	var data VideoInfoData
	if err := c.getJSON(ctx, "/x/web-interface/view?"+query.Encode(), "video", id, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// VideoPageCid returns the cid of a 1-based page of a video. Concurrent lookups for
// the same video share one request.
func (c *Client) VideoPageCid(ctx context.Context, bvid string, page int) (int, error) {
	v, err, _ := c.lookups.Do(bvid, func() (interface{}, error) {
		return c.GetVideoInfo(ctx, bvid)
	})
	if err != nil {
		return 0, err
	}
	info := v.(*VideoInfoData)
	if page > 0 && page <= len(info.Pages) {
		return info.Pages[page-1].Cid, nil
	}
	if info.Cid == 0 {
		return 0, platform.NewUnavailableError("bilibili", "video", bvid)
	}
	return info.Cid, nil
}

// GetVideoPlayUrl fetches the raw dash audio streams for a video page.
func (c *Client) GetVideoPlayUrl(ctx context.Context, bvid string, cid int) ([]VideoDashAudio, error) {
	if c.logger != nil {
		c.logger.Debug("bilibili: fetching video play url", "bvid", bvid, "cid", cid)
	}

	// fnval=16 returns DASH format containing raw audio streams
	path := fmt.Sprintf("/x/player/playurl?bvid=%s&cid=%d&qn=16&fnval=16&fourk=1", url.QueryEscape(bvid), cid)

	var data videoPlayUrlData
	if err := c.getJSON(ctx, path, "video", bvid, &data); err != nil {
		return nil, err
	}

	allAudio := append([]VideoDashAudio{}, data.Dash.Audio...)
	if data.Dash.Flac != nil && data.Dash.Flac.Audio != nil {
		allAudio = append(allAudio, *data.Dash.Flac.Audio)
	}
	if data.Dash.Dolby != nil {
		allAudio = append(allAudio, data.Dash.Dolby.Audio...)
	}
	if len(allAudio) == 0 {
		return nil, platform.NewUnavailableError("bilibili", "video", bvid)
	}
	return allAudio, nil
}

// GetAudioStreamUrl fetches the playback URL for an audio (au) track.
func (c *Client) GetAudioStreamUrl(ctx context.Context, sid int, quality int) (*AudioStreamUrlData, error) {
	if c.logger != nil {
		c.logger.Debug("bilibili: fetching audio stream url", "sid", sid, "quality", quality)
	}

	path := fmt.Sprintf("/audio/music-service-c/url?songid=%d&quality=%d&privilege=2&mid=1&platform=pc", sid, quality)

	var data AudioStreamUrlData
	if err := c.getJSON(ctx, path, "audio", strconv.Itoa(sid), &data); err != nil {
		return nil, err
	}
	if len(data.Cdns) == 0 {
		return nil, platform.NewUnavailableError("bilibili", "audio", strconv.Itoa(sid))
	}
	return &data, nil
}

// SendHeartbeat reports that the video page bvid/cid started playing.
func (c *Client) SendHeartbeat(ctx context.Context, bvid string, cid int) error {
	if c.logger != nil {
		c.logger.Debug("bilibili: sending heartbeat", "bvid", bvid, "cid", cid)
	}

	form := url.Values{}
	form.Set("bvid", bvid)
	form.Set("cid", strconv.Itoa(cid))
	form.Set("played_time", "0")
	form.Set("start_ts", strconv.FormatInt(time.Now().Unix(), 10))
	if csrf := cookieValue(c.currentCookie(), "bili_jct"); csrf != "" {
		form.Set("csrf", csrf)
	}

	return c.execute(ctx, func() error {
		req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/x/click-interface/web/heartbeat", strings.NewReader(form.Encode()))
		if err != nil {
			return err
		}
		c.setHeaders(req)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		var envelope apiEnvelope
		if err := c.do(req, &envelope); err != nil {
			return err
		}
		return envelopeError(envelope, "heartbeat", bvid)
	})
}

func (c *Client) getJSON(ctx context.Context, path, resource, id string, out any) error {
	return c.execute(ctx, func() error {
		req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return err
		}
		c.setHeaders(req)

		var envelope apiEnvelope
		if err := c.do(req, &envelope); err != nil {
			return err
		}
		if err := envelopeError(envelope, resource, id); err != nil {
			return err
		}
		if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
			return platform.NewUnavailableError("bilibili", resource, id)
		}
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("bilibili: decode %s: %w", resource, err)
		}
		return nil
	})
}

func (c *Client) do(req *retryablehttp.Request, envelope *apiEnvelope) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return platform.NewRateLimitedError("bilibili")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bilibili: unexpected status code %d: %s", resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, envelope); err != nil {
		return fmt.Errorf("bilibili: decode response: %w", err)
	}
	return nil
}

// envelopeError maps bilibili API codes onto platform errors.
func envelopeError(envelope apiEnvelope, resource, id string) error {
	switch envelope.Code {
	case 0:
		return nil
	case -404, 62002, 62004, 7201006:
		return platform.NewNotFoundError("bilibili", resource, id)
	case -101, -111:
		return platform.NewAuthRequiredError("bilibili")
	case -412, -509:
		return platform.NewRateLimitedError("bilibili")
	}
	msg := envelope.Message
	if msg == "" {
		msg = envelope.Msg
	}
	return fmt.Errorf("bilibili: API error code %d: %s", envelope.Code, msg)
}

func isPermanent(err error) bool {
	return errors.Is(err, platform.ErrNotFound) ||
		errors.Is(err, platform.ErrUnavailable) ||
		errors.Is(err, platform.ErrAuthRequired)
}

func cookieValue(cookie, name string) string {
	for _, part := range strings.Split(cookie, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && key == name {
			return value
		}
	}
	return ""
}

func (c *Client) execute(ctx context.Context, fn func() error) error {
	if fn == nil {
		return nil
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.withRetry(ctx, fn)
	})
	return err
}

func (c *Client) withRetry(ctx context.Context, fn func() error) error {
	if fn == nil {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if isPermanent(err) || attempt == c.maxRetries {
			break
		}

		wait := c.httpClient.Backoff(c.minBackoff, c.maxBackoff, attempt, nil)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	if lastErr == nil {
		lastErr = errors.New("bilibili: retry failed")
	}
	return lastErr
}
