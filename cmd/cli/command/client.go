package command

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"iotagent/internal/ngsi"
)

// Client 访问 agent 开通接口的最小客户端
type Client struct {
	BaseURL    string
	Service    string
	Subservice string
	Output     string // yaml|json
	HTTP       *http.Client
	Out        io.Writer
}

func NewClient() *Client {
	return &Client{
		BaseURL:    "http://localhost:4041",
		Subservice: "/",
		Output:     "yaml",
		HTTP:       &http.Client{Timeout: 10 * time.Second},
		Out:        os.Stdout,
	}
}

// APIError 开通接口返回的错误体
type APIError struct {
	Status  int
	Name    string `json:"name"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Name, e.Message)
}

// do 发送请求，返回已解码的 json 响应体 (无响应体时为 nil)
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte) (any, error) {
	u := strings.TrimRight(c.BaseURL, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set(ngsi.HeaderService, c.Service)
	req.Header.Set(ngsi.HeaderServicePath, c.Subservice)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求 %s 失败: %w", u, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应失败: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.Unmarshal(raw, apiErr)
		return nil, apiErr
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("解析响应失败: %w", err)
	}
	return out, nil
}

// print 按 Output 格式输出响应，默认 yaml
func (c *Client) print(v any) error {
	if v == nil {
		_, err := fmt.Fprintln(c.Out, "OK")
		return err
	}
	if c.Output == "json" {
		out, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("输出 json 失败: %w", err)
		}
		_, err = fmt.Fprintln(c.Out, string(out))
		return err
	}
	enc := yaml.NewEncoder(c.Out)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("输出 yaml 失败: %w", err)
	}
	return enc.Close()
}

// loadPayload 读取 yaml (或 json) 文件并转换为请求用的 json
func loadPayload(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取文件 %s 失败: %w", path, err)
	}
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("解析文件 %s 失败: %w", path, err)
	}
	return json.Marshal(doc)
}
