package providers

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/tidwall/sjson"
)

type OpenAI struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"` // 非空时覆写请求里的模型名
}

func (o *OpenAI) BuildReq(ctx context.Context, header http.Header, secret string, rawBody []byte) (*http.Request, error) {
	body := rawBody
	if o.Model != "" {
		var err error
		body, err = sjson.SetBytes(rawBody, "model", o.Model)
		if err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/chat/completions", o.BaseURL), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header = cloneHeader(header)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", secret))
	return req, nil
}
