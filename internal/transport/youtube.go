package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/you/chatledger/internal/core"
)

const defaultAPIBase = "https://www.googleapis.com/youtube/v3"

// YouTubeConfig configures the Data API v3 client.
type YouTubeConfig struct {
	APIBase     string // override for tests; defaults to googleapis.com
	AccessToken string // OAuth bearer token with the youtube.force-ssl scope
	Timeout     time.Duration
	SendRPS     float64 // outbound insert budget; <=0 disables the limiter
	SendBurst   int
}

// YouTube talks to the YouTube Data API v3 over plain HTTP.
type YouTube struct {
	cfg  YouTubeConfig
	http *http.Client
	send *rate.Limiter
}

// NewYouTube creates a client with sane timeout and send-rate defaults.
func NewYouTube(cfg YouTubeConfig) *YouTube {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.SendRPS > 0 {
		burst := cfg.SendBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.SendRPS), burst)
	}
	return &YouTube{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		send: limiter,
	}
}

func (y *YouTube) FetchPage(ctx context.Context, target, cursor string) (Page, error) {
	if strings.TrimSpace(target) == "" {
		return Page{}, &Error{Kind: KindBadRequest, Op: "fetch_page", Err: fmt.Errorf("empty live chat id")}
	}

	q := url.Values{
		"liveChatId": []string{target},
		"part":       []string{"snippet,authorDetails"},
	}
	if cursor != "" {
		q.Set("pageToken", cursor)
	}
	endpoint := y.cfg.APIBase + "/liveChat/messages?" + q.Encode()

	body, etag, err := y.do(ctx, http.MethodGet, endpoint, nil, "fetch_page")
	if err != nil {
		return Page{}, err
	}

	var resp liveChatListResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Page{}, &Error{Kind: KindUnexpected, Op: "fetch_page", Err: fmt.Errorf("decode response: %w", err)}
	}
	if etag == "" {
		etag = resp.ETag
	}

	page := Page{NextCursor: resp.NextPageToken}
	if resp.PollingIntervalMillis > 0 {
		page.PollInterval = time.Duration(resp.PollingIntervalMillis) * time.Millisecond
	}
	for _, item := range resp.Items {
		page.Messages = append(page.Messages, buildMessage(item, etag))
	}
	return page, nil
}

func (y *YouTube) SendMessage(ctx context.Context, target, text string) (bool, error) {
	if strings.TrimSpace(target) == "" {
		return false, &Error{Kind: KindBadRequest, Op: "send_message", Err: fmt.Errorf("empty live chat id")}
	}
	if y.send != nil {
		if err := y.send.Wait(ctx); err != nil {
			return false, &Error{Kind: KindTransient, Op: "send_message", Err: err}
		}
	}

	payload := map[string]any{
		"snippet": map[string]any{
			"liveChatId": target,
			"type":       "textMessageEvent",
			"textMessageDetails": map[string]any{
				"messageText": text,
			},
		},
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return false, &Error{Kind: KindUnexpected, Op: "send_message", Err: err}
	}

	endpoint := y.cfg.APIBase + "/liveChat/messages?part=snippet"
	body, _, err := y.do(ctx, http.MethodPost, endpoint, bytes.NewReader(buf), "send_message")
	if err != nil {
		return false, err
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return false, nil
	}
	// No assigned message id means the platform did not acknowledge the
	// insert; report unconfirmed rather than guessing.
	return resp.ID != "", nil
}

func (y *YouTube) ActiveLiveChatID(ctx context.Context) (string, error) {
	q := url.Values{
		"part":            []string{"snippet"},
		"broadcastStatus": []string{"active"},
		"mine":            []string{"true"},
	}
	endpoint := y.cfg.APIBase + "/liveBroadcasts?" + q.Encode()

	body, _, err := y.do(ctx, http.MethodGet, endpoint, nil, "active_broadcast")
	if err != nil {
		return "", err
	}

	var resp struct {
		Items []struct {
			Snippet struct {
				LiveChatID string `json:"liveChatId"`
			} `json:"snippet"`
		} `json:"items"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", &Error{Kind: KindUnexpected, Op: "active_broadcast", Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(resp.Items) == 0 {
		return "", nil
	}
	return resp.Items[0].Snippet.LiveChatID, nil
}

func (y *YouTube) do(ctx context.Context, method, endpoint string, body io.Reader, op string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, "", &Error{Kind: KindUnexpected, Op: op, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if y.cfg.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+y.cfg.AccessToken)
	}

	resp, err := y.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", &Error{Kind: KindTransient, Op: op, Err: ctx.Err()}
		}
		return nil, "", &Error{Kind: KindTransient, Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, "", &Error{Kind: KindTransient, Op: op, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, "", classifyStatus(op, resp.StatusCode, data)
	}
	return data, resp.Header.Get("ETag"), nil
}

// classifyStatus maps an API error response to a failure kind. 403 is
// ambiguous on this API: quota exhaustion and permission problems share the
// status code and differ only in the error reason.
func classifyStatus(op string, status int, body []byte) *Error {
	reason := errorReason(body)
	detail := fmt.Errorf("status %d reason %q", status, reason)

	switch {
	case status == http.StatusUnauthorized:
		return &Error{Kind: KindAuthFailed, Op: op, Err: detail}
	case status == http.StatusForbidden:
		switch reason {
		case "quotaExceeded", "rateLimitExceeded", "dailyLimitExceeded", "userRateLimitExceeded":
			return &Error{Kind: KindQuotaExceeded, Op: op, Err: detail}
		case "liveChatEnded", "liveChatDisabled", "forbidden":
			return &Error{Kind: KindBadRequest, Op: op, Err: detail}
		}
		return &Error{Kind: KindAuthFailed, Op: op, Err: detail}
	case status == http.StatusTooManyRequests:
		return &Error{Kind: KindQuotaExceeded, Op: op, Err: detail}
	case status == http.StatusBadRequest || status == http.StatusNotFound:
		return &Error{Kind: KindBadRequest, Op: op, Err: detail}
	case status >= 500:
		return &Error{Kind: KindTransient, Op: op, Err: detail}
	}
	return &Error{Kind: KindUnexpected, Op: op, Err: detail}
}

func errorReason(body []byte) string {
	var payload struct {
		Error struct {
			Errors []struct {
				Reason string `json:"reason"`
			} `json:"errors"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	if len(payload.Error.Errors) == 0 {
		return ""
	}
	return payload.Error.Errors[0].Reason
}

type liveChatListResponse struct {
	ETag                  string             `json:"etag"`
	NextPageToken         string             `json:"nextPageToken"`
	PollingIntervalMillis int                `json:"pollingIntervalMillis"`
	Items                 []liveChatListItem `json:"items"`
}

type liveChatListItem struct {
	ID      string          `json:"id"`
	ETag    string          `json:"etag"`
	Snippet json.RawMessage `json:"snippet"`
	Author  json.RawMessage `json:"authorDetails"`
}

func buildMessage(item liveChatListItem, responseETag string) core.ChatMessage {
	var snippet struct {
		PublishedAt        string `json:"publishedAt"`
		TextMessageDetails struct {
			MessageText string `json:"messageText"`
		} `json:"textMessageDetails"`
	}
	var author struct {
		ChannelID       string `json:"channelId"`
		DisplayName     string `json:"displayName"`
		IsChatOwner     bool   `json:"isChatOwner"`
		IsChatModerator bool   `json:"isChatModerator"`
		IsChatSponsor   bool   `json:"isChatSponsor"`
	}
	_ = json.Unmarshal(item.Snippet, &snippet)
	_ = json.Unmarshal(item.Author, &author)

	msg := core.ChatMessage{
		ID:          item.ID,
		AuthorID:    author.ChannelID,
		DisplayName: author.DisplayName,
		Text:        snippet.TextMessageDetails.MessageText,
		Owner:       author.IsChatOwner,
		Moderator:   author.IsChatModerator,
		Sponsor:     author.IsChatSponsor,
		ETag:        item.ETag,
	}
	if msg.DisplayName == "" {
		msg.DisplayName = "Unknown"
	}
	if msg.ETag == "" {
		msg.ETag = responseETag
	}
	if ts, err := time.Parse(time.RFC3339Nano, snippet.PublishedAt); err == nil {
		msg.PublishedAt = ts.UTC()
	} else {
		msg.PublishedAt = time.Now().UTC()
	}
	raw := struct {
		ID      string          `json:"id"`
		Snippet json.RawMessage `json:"snippet,omitempty"`
		Author  json.RawMessage `json:"authorDetails,omitempty"`
	}{ID: item.ID, Snippet: item.Snippet, Author: item.Author}
	if data, err := json.Marshal(raw); err == nil {
		msg.RawJSON = string(data)
	}
	return msg
}
