package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// PostmarkProvider delivers email through Postmark's transactional API.
type PostmarkProvider struct {
	baseURL     string
	serverToken string
	sender      string
	httpClient  *http.Client
}

func CreatePostmarkProvider(baseURL, serverToken, sender string, timeout time.Duration) *PostmarkProvider {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &PostmarkProvider{
		baseURL:     baseURL,
		serverToken: serverToken,
		sender:      sender,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type postmarkSendRequest struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	HTMLBody string `json:"HtmlBody"`
	TextBody string `json:"TextBody"`
}

func (p *PostmarkProvider) SendEmail(ctx context.Context, to, subject, htmlBody, textBody string) error {
	payload, err := json.Marshal(postmarkSendRequest{
		From:     p.sender,
		To:       to,
		Subject:  subject,
		HTMLBody: htmlBody,
		TextBody: textBody,
	})
	if err != nil {
		return Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/email", bytes.NewBuffer(payload))
	if err != nil {
		return Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", p.serverToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		// Network-level failures are retryable.
		return Transient(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	sendErr := fmt.Errorf("postmark returned %d: %s", resp.StatusCode, string(body))

	// 429 and 5xx are worth retrying; remaining 4xx (bad recipient, bad
	// payload) will fail the same way every time.
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return Transient(sendErr)
	}
	return Permanent(sendErr)
}
