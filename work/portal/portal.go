package portal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"stbmux/work/client"
	"stbmux/work/logger"
	"stbmux/work/types"
	"stbmux/work/utils"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/ratelimit"
)

// ErrAuthFailed indicates the portal rejected the MAC during handshake or
// profile retrieval. Treated as a probe failure for that credential.
var ErrAuthFailed = errors.New("portal authentication failed")

// Channel is one live-TV channel as reported by a portal.
type Channel struct {
	ID      string
	Name    string
	Cmd     string
	GenreID string
	Logo    string
}

// Client is the upstream portal surface the engine depends on. Probing,
// refresh jobs and tests all work against this interface rather than the
// HTTP implementation.
type Client interface {
	// GetToken performs the handshake for the MAC and returns a bearer token.
	GetToken(ctx context.Context, p *types.Portal, mac string) (string, error)

	// GetProfile registers the emulated STB profile for the token. Portals
	// refuse create_link calls from sessions that skipped this step.
	GetProfile(ctx context.Context, p *types.Portal, mac, token string) error

	// GetAllChannels returns the portal's full channel list.
	GetAllChannels(ctx context.Context, p *types.Portal, mac, token string) ([]Channel, error)

	// GetLink resolves a channel cmd into a playable stream URL.
	GetLink(ctx context.Context, p *types.Portal, mac, token, cmd string) (string, error)

	// GetExpires returns the account expiry text for the MAC, empty when the
	// portal doesn't report one.
	GetExpires(ctx context.Context, p *types.Portal, mac, token string) (string, error)

	// GetGenres returns the portal's genre id to title mapping.
	GetGenres(ctx context.Context, p *types.Portal, mac, token string) (map[string]string, error)
}

// StalkerClient talks the stalker middleware portal.php protocol. Calls are
// rate limited per portal URL so probing bursts don't trip upstream abuse
// detection.
type StalkerClient struct {
	http      *client.HeaderSettingClient
	limiters  *xsync.MapOf[string, ratelimit.Limiter]
	obfuscate bool
}

// NewStalkerClient creates the production portal client.
func NewStalkerClient(hc *client.HeaderSettingClient, obfuscateUrls bool) *StalkerClient {
	return &StalkerClient{
		http:      hc,
		limiters:  xsync.NewMapOf[string, ratelimit.Limiter](),
		obfuscate: obfuscateUrls,
	}
}

// limiter returns the per-portal rate limiter, creating it on first use.
// Portals tolerate a handful of requests per second from a single STB.
func (sc *StalkerClient) limiter(portalURL string) ratelimit.Limiter {
	rl, _ := sc.limiters.LoadOrCompute(portalURL, func() ratelimit.Limiter {
		return ratelimit.New(4)
	})
	return rl
}

// jsResponse is the standard stalker envelope: every call returns {"js": ...}.
type jsResponse struct {
	Js json.RawMessage `json:"js"`
}

func (sc *StalkerClient) call(ctx context.Context, p *types.Portal, mac, token string, params url.Values) (json.RawMessage, error) {
	sc.limiter(p.URL).Take()

	endpoint := strings.TrimRight(p.URL, "/") + "/portal.php?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building portal request: %w", err)
	}

	req.Header.Set("Cookie", fmt.Sprintf("mac=%s; stb_lang=en; timezone=Europe%%2FLondon", url.QueryEscape(mac)))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := sc.http.ForProxy(p.Proxy).Do(req)
	if err != nil {
		return nil, fmt.Errorf("portal request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("portal returned status %d for %s", resp.StatusCode, utils.LogURL(sc.obfuscate, endpoint))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("reading portal response: %w", err)
	}

	var envelope jsResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("parsing portal response from %s: %w", utils.LogURL(sc.obfuscate, endpoint), err)
	}
	if len(envelope.Js) == 0 {
		return nil, fmt.Errorf("portal response missing js payload from %s", utils.LogURL(sc.obfuscate, endpoint))
	}

	return envelope.Js, nil
}

func (sc *StalkerClient) GetToken(ctx context.Context, p *types.Portal, mac string) (string, error) {
	params := url.Values{}
	params.Set("type", "stb")
	params.Set("action", "handshake")
	params.Set("token", "")
	params.Set("JsHttpRequest", "1-xml")

	raw, err := sc.call(ctx, p, mac, "", params)
	if err != nil {
		return "", err
	}

	var payload struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Token == "" {
		logger.Debug("{portal - GetToken} handshake rejected for %s on %s", mac, utils.LogURL(sc.obfuscate, p.URL))
		return "", ErrAuthFailed
	}

	return payload.Token, nil
}

func (sc *StalkerClient) GetProfile(ctx context.Context, p *types.Portal, mac, token string) error {
	params := url.Values{}
	params.Set("type", "stb")
	params.Set("action", "get_profile")
	params.Set("JsHttpRequest", "1-xml")

	raw, err := sc.call(ctx, p, mac, token, params)
	if err != nil {
		return err
	}

	// A profile payload of {} or [] means the portal doesn't recognize the
	// session; anything with an id field is accepted.
	var payload struct {
		ID json.Number `json:"id"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || payload.ID.String() == "" {
		return ErrAuthFailed
	}

	return nil
}

func (sc *StalkerClient) GetAllChannels(ctx context.Context, p *types.Portal, mac, token string) ([]Channel, error) {
	params := url.Values{}
	params.Set("type", "itv")
	params.Set("action", "get_all_channels")
	params.Set("JsHttpRequest", "1-xml")

	raw, err := sc.call(ctx, p, mac, token, params)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Data []struct {
			ID      json.Number `json:"id"`
			Name    string      `json:"name"`
			Cmd     string      `json:"cmd"`
			GenreID json.Number `json:"tv_genre_id"`
			Logo    string      `json:"logo"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("parsing channel list: %w", err)
	}

	channels := make([]Channel, 0, len(payload.Data))
	for _, ch := range payload.Data {
		channels = append(channels, Channel{
			ID:      ch.ID.String(),
			Name:    ch.Name,
			Cmd:     ch.Cmd,
			GenreID: ch.GenreID.String(),
			Logo:    ch.Logo,
		})
	}

	return channels, nil
}

func (sc *StalkerClient) GetLink(ctx context.Context, p *types.Portal, mac, token, cmd string) (string, error) {
	params := url.Values{}
	params.Set("type", "itv")
	params.Set("action", "create_link")
	params.Set("cmd", cmd)
	params.Set("JsHttpRequest", "1-xml")

	raw, err := sc.call(ctx, p, mac, token, params)
	if err != nil {
		return "", err
	}

	var payload struct {
		Cmd string `json:"cmd"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Cmd == "" {
		return "", fmt.Errorf("portal returned no link for cmd")
	}

	link := ExtractURL(payload.Cmd)
	if link == "" {
		return "", fmt.Errorf("portal link contains no URL: %q", payload.Cmd)
	}

	return link, nil
}

func (sc *StalkerClient) GetExpires(ctx context.Context, p *types.Portal, mac, token string) (string, error) {
	params := url.Values{}
	params.Set("type", "account_info")
	params.Set("action", "get_main_info")
	params.Set("JsHttpRequest", "1-xml")

	raw, err := sc.call(ctx, p, mac, token, params)
	if err != nil {
		return "", err
	}

	var payload struct {
		EndDate string `json:"end_date"`
		Phone   string `json:"phone"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", nil
	}
	if payload.EndDate != "" {
		return payload.EndDate, nil
	}
	return payload.Phone, nil
}

func (sc *StalkerClient) GetGenres(ctx context.Context, p *types.Portal, mac, token string) (map[string]string, error) {
	params := url.Values{}
	params.Set("type", "itv")
	params.Set("action", "get_genres")
	params.Set("JsHttpRequest", "1-xml")

	raw, err := sc.call(ctx, p, mac, token, params)
	if err != nil {
		return nil, err
	}

	var payload []struct {
		ID    json.Number `json:"id"`
		Title string      `json:"title"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("parsing genre list: %w", err)
	}

	genres := make(map[string]string, len(payload))
	for _, g := range payload {
		genres[g.ID.String()] = g.Title
	}

	return genres, nil
}

// ExtractURL pulls the http(s) URL out of a channel cmd string. Portal cmds
// look like "ffmpeg http://..." or "auto http://..."; the URL is the first
// http-prefixed token.
func ExtractURL(cmd string) string {
	for _, field := range strings.Fields(cmd) {
		if strings.HasPrefix(field, "http://") || strings.HasPrefix(field, "https://") {
			return field
		}
	}
	return ""
}

// NeedsLinkCreation reports whether a cached cmd must go through create_link
// before use. Cmds pointing at the portal's own loopback relay can't be
// played directly.
func NeedsLinkCreation(cmd string) bool {
	return strings.Contains(cmd, "localhost") || ExtractURL(cmd) == ""
}
