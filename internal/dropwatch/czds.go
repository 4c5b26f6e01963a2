package dropwatch

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	czdsUserAgent = "dropwatch/1.0 (CZDS API client)"

	// tokenRefreshMargin is how long before the observed expiry a cached
	// token is treated as stale.
	tokenRefreshMargin = 5 * time.Minute

	downloadBackoffBase = 2 * time.Second
	downloadBackoffCap  = 5 * time.Minute

	// downloadCopyBufferSize bounds the buffer between the network producer
	// and the disk consumer.
	downloadCopyBufferSize = 1 << 20
)

// ZoneLink is one authorized zone in the CZDS catalog.
type ZoneLink struct {
	TLD string
	URL string
}

// DownloadInfo is the HEAD metadata for a zone file.
type DownloadInfo struct {
	Size         int64
	ETag         string
	LastModified time.Time
	AcceptRanges bool
	Filename     string
}

// CZDSClient is an authenticated client for the ICANN CZDS REST API.
//
// The session token is a process-wide cached credential: any caller observing
// expiry or a 401 triggers at most one concurrent re-authentication; others
// await its result.
type CZDSClient struct {
	authURL  string
	baseURL  string
	username string
	password string

	maxRetries        int
	inactivityTimeout time.Duration

	httpClient *http.Client
	logger     *slog.Logger
	metrics    *Metrics

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time

	refresh singleflight.Group
}

// NewCZDSClient builds a client from configuration. Credentials are verified
// on first use, not here.
func NewCZDSClient(cfg Config, logger *slog.Logger, metrics *Metrics) *CZDSClient {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: cfg.HTTPConnectTimeout,
		}).DialContext,
		// The body may legitimately be gzip; decode is handled explicitly
		// so raw bytes stay resumable.
		DisableCompression: true,
	}

	return &CZDSClient{
		authURL:           cfg.CZDSAuthURL,
		baseURL:           cfg.CZDSBaseURL,
		username:          cfg.CZDSUsername,
		password:          cfg.CZDSPassword,
		maxRetries:        cfg.MaxRetries,
		inactivityTimeout: cfg.HTTPInactivityTimeout,
		httpClient:        &http.Client{Transport: transport},
		logger:            logger,
		metrics:           metrics,
	}
}

// Authenticate obtains a fresh bearer token and caches it until its observed
// expiry. Callers normally rely on the implicit refresh in bearer instead.
func (c *CZDSClient) Authenticate(ctx context.Context) error {
	_, err, _ := c.refresh.Do("token", func() (any, error) {
		return nil, c.authenticateOnce(ctx)
	})
	return err
}

// authenticateOnce performs a single credential exchange; the singleflight
// group in Authenticate collapses concurrent callers onto one exchange.
func (c *CZDSClient) authenticateOnce(ctx context.Context) error {
	if c.username == "" || c.password == "" {
		return &OpError{Kind: KindConfig, Op: "czds.authenticate",
			Err: fmt.Errorf("credentials not configured")}
	}

	body, err := json.Marshal(map[string]string{
		"username": c.username,
		"password": c.password,
	})
	if err != nil {
		return &OpError{Kind: KindFatal, Op: "czds.authenticate", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authURL, bytes.NewReader(body))
	if err != nil {
		return &OpError{Kind: KindFatal, Op: "czds.authenticate", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", czdsUserAgent)

	c.metrics.IncCZDSAuth()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &OpError{Kind: classifyIOErr(err), Op: "czds.authenticate", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		kind := classifyHTTPStatus(resp.StatusCode)
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			kind = KindConfig
		}
		return &OpError{Kind: kind, Op: "czds.authenticate",
			Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var payload struct {
		AccessToken string `json:"accessToken"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return &OpError{Kind: KindTransient, Op: "czds.authenticate", Err: err}
	}
	if payload.AccessToken == "" {
		return &OpError{Kind: KindFatal, Op: "czds.authenticate",
			Err: fmt.Errorf("no access token in response")}
	}

	expiry := tokenExpiry(payload.AccessToken)

	c.mu.Lock()
	c.token = payload.AccessToken
	c.tokenExpiry = expiry
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.Debug("czds authenticated", "expires_at", expiry)
	}
	return nil
}

// tokenExpiry reads the exp claim from an unverified JWT. Tokens that cannot
// be decoded are assumed valid for 24 hours.
func tokenExpiry(token string) time.Time {
	fallback := time.Now().Add(24 * time.Hour)

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return fallback
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return fallback
	}
	var claims struct {
		Exp int64 `json:"exp"`
	}
	if err := json.Unmarshal(raw, &claims); err != nil || claims.Exp <= 0 {
		return fallback
	}
	return time.Unix(claims.Exp, 0)
}

// bearer returns a valid cached token, refreshing through singleflight when
// the cached one is missing or within the refresh margin of expiry.
func (c *CZDSClient) bearer(ctx context.Context) (string, error) {
	c.mu.Lock()
	token, expiry := c.token, c.tokenExpiry
	c.mu.Unlock()

	if token != "" && time.Until(expiry) > tokenRefreshMargin {
		return token, nil
	}

	if err := c.Authenticate(ctx); err != nil {
		return "", err
	}

	c.mu.Lock()
	token = c.token
	c.mu.Unlock()
	return token, nil
}

// invalidateToken drops the cached token after an observed 401.
func (c *CZDSClient) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

func (c *CZDSClient) authedRequest(ctx context.Context, method, rawURL string) (*http.Request, error) {
	token, err := c.bearer(ctx)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, &OpError{Kind: KindFatal, Op: "czds.request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", czdsUserAgent)
	return req, nil
}

// doAuthed issues the request, re-authenticating once and retrying on 401.
func (c *CZDSClient) doAuthed(ctx context.Context, method, rawURL string, decorate func(*http.Request)) (*http.Response, error) {
	for attempt := 0; attempt < 2; attempt++ {
		req, err := c.authedRequest(ctx, method, rawURL)
		if err != nil {
			return nil, err
		}
		if decorate != nil {
			decorate(req)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, &OpError{Kind: classifyIOErr(err), Op: "czds." + strings.ToLower(method), Err: err}
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			_ = resp.Body.Close()
			c.invalidateToken()
			continue
		}
		return resp, nil
	}
	// Unreachable: the loop always returns on the second attempt.
	return nil, &OpError{Kind: KindFatal, Op: "czds.request", Err: fmt.Errorf("unauthorized")}
}

// ListZones returns the authorized zone catalog. The TLD for each entry is
// the final URL path segment without its .zone or .zone.gz suffix.
func (c *CZDSClient) ListZones(ctx context.Context) ([]ZoneLink, error) {
	resp, err := c.doAuthed(ctx, http.MethodGet, c.baseURL+"/czds/downloads/links", nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &OpError{Kind: classifyHTTPStatus(resp.StatusCode), Op: "czds.list",
			Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var links []string
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&links); err != nil {
		return nil, &OpError{Kind: KindTransient, Op: "czds.list", Err: err}
	}

	out := make([]ZoneLink, 0, len(links))
	for _, link := range links {
		tld := tldFromZoneURL(link)
		if tld == "" {
			continue
		}
		out = append(out, ZoneLink{TLD: tld, URL: link})
	}
	return out, nil
}

// ResolveZoneURL finds the catalog URL for a TLD, case-insensitively.
func (c *CZDSClient) ResolveZoneURL(ctx context.Context, tld string) (string, error) {
	links, err := c.ListZones(ctx)
	if err != nil {
		return "", err
	}
	want := strings.ToLower(tld)
	for _, l := range links {
		if l.TLD == want {
			return l.URL, nil
		}
	}
	return "", &OpError{Kind: KindFatal, Op: "czds.resolve",
		Err: fmt.Errorf("no authorized zone for tld %q", tld)}
}

func tldFromZoneURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	base = strings.TrimSuffix(base, ".gz")
	base = strings.TrimSuffix(base, ".zone")
	return strings.ToLower(base)
}

// HeadZone fetches size and validator metadata for a zone URL without
// downloading it.
func (c *CZDSClient) HeadZone(ctx context.Context, zoneURL string) (DownloadInfo, error) {
	resp, err := c.doAuthed(ctx, http.MethodHead, zoneURL, nil)
	if err != nil {
		return DownloadInfo{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return DownloadInfo{}, &OpError{Kind: classifyHTTPStatus(resp.StatusCode), Op: "czds.head",
			Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	info := DownloadInfo{
		Size:         resp.ContentLength,
		ETag:         resp.Header.Get("ETag"),
		AcceptRanges: strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes"),
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			info.LastModified = t
		}
	}
	if cd := resp.Header.Get("Content-Disposition"); strings.Contains(cd, "filename=") {
		info.Filename = strings.Trim(strings.SplitN(cd, "filename=", 2)[1], `"`)
	}
	return info, nil
}

// DownloadZone streams the zone file into the reserved store handle, retrying
// transient failures with jittered exponential backoff. When the server
// advertises byte ranges the retry resumes from the bytes already written;
// if the remote validators changed in between, the partial file is discarded
// and the download restarts.
//
// Gzip bodies are detected by magic bytes and committed as compressed
// snapshots; the store decompresses on Open.
func (c *CZDSClient) DownloadZone(ctx context.Context, zoneURL string, info DownloadInfo, h *Handle) (int64, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		n, err := c.downloadOnce(ctx, zoneURL, info, h)
		if err == nil {
			return n, nil
		}
		lastErr = err

		if !Retryable(err) || attempt >= c.maxRetries {
			return h.Size(), lastErr
		}
		c.metrics.IncCZDSRetries()

		delay := backoffDelay(downloadBackoffBase, downloadBackoffCap, attempt)
		if c.logger != nil {
			c.logger.Warn("zone download retry",
				"url", zoneURL, "attempt", attempt+1, "delay", delay, "error", err)
		}
		select {
		case <-ctx.Done():
			return h.Size(), &OpError{Kind: KindCanceled, Op: "czds.download", Err: ctx.Err()}
		case <-time.After(delay):
		}
	}
}

func (c *CZDSClient) downloadOnce(ctx context.Context, zoneURL string, info DownloadInfo, h *Handle) (int64, error) {
	// Per-byte inactivity watchdog: the request context is canceled when no
	// read completes within the inactivity window.
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	resume := h.Size() > 0 && info.AcceptRanges
	resp, err := c.doAuthed(reqCtx, http.MethodGet, zoneURL, func(req *http.Request) {
		if resume {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", h.Size()))
			if info.ETag != "" {
				req.Header.Set("If-Range", info.ETag)
			} else if !info.LastModified.IsZero() {
				req.Header.Set("If-Range", info.LastModified.UTC().Format(http.TimeFormat))
			}
		}
	})
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		// Continue appending.
	case http.StatusOK:
		// Full body: either a fresh download or a resume the server refused
		// (validator changed); drop any partial bytes.
		if h.Size() > 0 {
			if err := h.Truncate(); err != nil {
				return 0, err
			}
		}
	default:
		return 0, &OpError{Kind: classifyHTTPStatus(resp.StatusCode), Op: "czds.download",
			Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	watchdog := time.AfterFunc(c.inactivityTimeout, cancel)
	defer watchdog.Stop()

	body := &activityReader{r: resp.Body, timer: watchdog, window: c.inactivityTimeout}

	if h.Size() == 0 {
		// Peek the first two bytes for the gzip magic before anything is
		// written, so the snapshot suffix is decided up front.
		first := make([]byte, 2)
		n, err := io.ReadFull(body, first)
		if n > 0 {
			if n == 2 && first[0] == 0x1f && first[1] == 0x8b {
				h.MarkCompressed()
			}
			if _, werr := h.Write(first[:n]); werr != nil {
				return h.Size(), werr
			}
		}
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return h.Size(), nil
			}
			return h.Size(), &OpError{Kind: classifyIOErr(err), Op: "czds.download", Err: err}
		}
	}

	buf := make([]byte, downloadCopyBufferSize)
	if _, err := io.CopyBuffer(h, body, buf); err != nil {
		if reqCtx.Err() != nil && ctx.Err() == nil {
			return h.Size(), &OpError{Kind: KindTransient, Op: "czds.download",
				Err: fmt.Errorf("no data for %s: %w", c.inactivityTimeout, reqCtx.Err())}
		}
		return h.Size(), &OpError{Kind: classifyIOErr(err), Op: "czds.download", Err: err}
	}
	return h.Size(), nil
}

// activityReader resets the inactivity watchdog on every successful read.
type activityReader struct {
	r      io.Reader
	timer  *time.Timer
	window time.Duration
}

func (a *activityReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if n > 0 {
		a.timer.Reset(a.window)
	}
	return n, err
}

// backoffDelay computes a jittered exponential backoff: base doubled per
// attempt, capped at limit, with uniform jitter in [0.5, 1.0) of the raw
// delay.
func backoffDelay(base, limit time.Duration, attempt int) time.Duration {
	d := base << attempt
	if d > limit || d <= 0 {
		d = limit
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
