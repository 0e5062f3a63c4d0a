package netease

import (
	"context"
	crand "crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/XiaoMengXinX/Music163Api-Go/api"
	"github.com/XiaoMengXinX/Music163Api-Go/utils"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/liuran001/PlaybackResolver-Go/player"
	"github.com/sony/gobreaker"
)

// Client provides resilient NetEase API calls.
type Client struct {
	baseData   utils.RequestData
	spoofIP    bool
	retry      *retryablehttp.Client
	breaker    *gobreaker.CircuitBreaker
	maxRetries int
	minBackoff time.Duration
	maxBackoff time.Duration
	logger     player.Logger

	fetchSongURL func(data utils.RequestData, musicID int, level string) (*SongURL, error)
}

// SongURL is the first entry of a NetEase song URL response.
type SongURL struct {
	URL    string
	Size   int64
	Format string
	Br     int // bps
	MD5    string
	Expi   int // seconds
}

var mainlandIPPrefixes = [][2]uint8{
	{113, 0}, {113, 64}, {113, 128}, {114, 214},
	{118, 122}, {119, 112}, {211, 161}, {221, 238},
	{116, 224}, {222, 128}, {183, 128}, {116, 128},
	{101, 226}, {61, 128},
}

// New creates a NetEase client with retry and circuit breaker.
func New(musicU string, spoofIP bool, logger player.Logger) *Client {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = nil

	settings := gobreaker.Settings{
		Name:        "netease-api",
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	}

	data := utils.RequestData{}
	if musicU != "" {
		data.Cookies = []*http.Cookie{{Name: "MUSIC_U", Value: musicU}}
		if logger != nil {
			logger.Info("netease client initialized with MUSIC_U cookie", "cookie_length", len(musicU))
		}
	} else if logger != nil {
		logger.Warn("netease client initialized WITHOUT MUSIC_U cookie - vip songs resolve to previews")
	}

	c := &Client{
		baseData:   data,
		spoofIP:    spoofIP,
		retry:      client,
		breaker:    gobreaker.NewCircuitBreaker(settings),
		maxRetries: client.RetryMax,
		minBackoff: client.RetryWaitMin,
		maxBackoff: client.RetryWaitMax,
		logger:     logger,
	}
	c.fetchSongURL = fetchSongURL
	return c
}

func fetchSongURL(data utils.RequestData, musicID int, level string) (*SongURL, error) {
	res, err := api.GetSongURL(data, api.SongURLConfig{Ids: []int{musicID}, Level: level})
	if err != nil {
		return nil, err
	}
	if len(res.Data) == 0 {
		return &SongURL{}, nil
	}
	d := res.Data[0]
	return &SongURL{
		URL:    d.Url,
		Size:   int64(d.Size),
		Format: d.Type,
		Br:     int(d.Br),
		MD5:    d.Md5,
		Expi:   int(d.Expi),
	}, nil
}

// GetSongURL retrieves song URL data at the given level ("standard", "higher", "lossless", "hires").
func (c *Client) GetSongURL(ctx context.Context, musicID int, level string) (*SongURL, error) {
	if c.logger != nil {
		c.logger.Debug("fetching song url", "music_id", musicID, "level", level)
	}

	var result *SongURL
	err := c.execute(ctx, func() error {
		data, err := c.fetchSongURL(c.requestData(), musicID, level)
		if err != nil {
			return err
		}
		result = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
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
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == c.maxRetries {
			break
		}

		wait := c.retry.Backoff(c.minBackoff, c.maxBackoff, attempt, nil)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	if lastErr == nil {
		lastErr = errors.New("netease: retry failed")
	}
	return lastErr
}

func (c *Client) requestData() utils.RequestData {
	data := c.baseData

	headers := make(utils.Headers, 0, len(c.baseData.Headers)+2)
	headers = append(headers, c.baseData.Headers...)

	if c.spoofIP {
		if ip, err := randomMainlandIPv4(); err == nil {
			headers = append(headers,
				struct {
					Name  string
					Value string
				}{Name: "X-Real-IP", Value: ip},
				struct {
					Name  string
					Value string
				}{Name: "X-Forwarded-For", Value: ip},
			)
		} else if c.logger != nil {
			c.logger.Warn("failed to generate random spoof ip", "error", err)
		}
	}

	data.Headers = headers
	return data
}

func randomMainlandIPv4() (string, error) {
	prefixIdx, err := cryptoRandInt(len(mainlandIPPrefixes))
	if err != nil {
		return "", err
	}
	prefix := mainlandIPPrefixes[prefixIdx]

	third, err := cryptoRandInt(254)
	if err != nil {
		return "", err
	}
	fourth, err := cryptoRandInt(254)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%d.%d.%d.%d", prefix[0], prefix[1], third+1, fourth+1), nil
}

func cryptoRandInt(max int) (int, error) {
	if max <= 0 {
		return 0, fmt.Errorf("invalid max: %d", max)
	}
	n, err := crand.Int(crand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0, err
	}
	return int(n.Int64()), nil
}
