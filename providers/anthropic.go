package providers

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/tidwall/sjson"
)

type Anthropic struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	Version string `json:"version"`
}

func (a *Anthropic) BuildReq(ctx context.Context, header http.Header, secret string, rawBody []byte) (*http.Request, error) {
	body := rawBody
	if a.Model != "" {
		var err error
		body, err = sjson.SetBytes(rawBody, "model", a.Model)
		if err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/messages", a.BaseURL), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header = cloneHeader(header)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", secret)
	version := a.Version
	if version == "" {
		version = "2023-06-01"
	}
	req.Header.Set("anthropic-version", version)
	return req, nil
}
