package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"triage-assistant/server/internal/config"
	"triage-assistant/server/internal/model"
)

// HTTPClient 调用模型服务的 /predict 接口。
type HTTPClient struct {
	endpoint   string
	httpClient *http.Client
}

// NewHTTPClient 创建模型服务客户端
func NewHTTPClient(cfg config.ClassifierConfig) *HTTPClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &HTTPClient{
		endpoint: cfg.Endpoint,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type predictRequest struct {
	Text string `json:"text"`
}

// Predict 发送文本并解析三组分数
func (c *HTTPClient) Predict(ctx context.Context, text string) (model.Prediction, error) {
	body, err := json.Marshal(predictRequest{Text: text})
	if err != nil {
		return model.Prediction{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return model.Prediction{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return model.Prediction{}, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.Prediction{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return model.Prediction{}, fmt.Errorf("classifier error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var p model.Prediction
	if err := json.Unmarshal(respBody, &p); err != nil {
		return model.Prediction{}, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if err := Validate(p); err != nil {
		return model.Prediction{}, err
	}
	return p, nil
}
