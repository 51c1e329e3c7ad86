package venue

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/segmentio/encoding/json"
	"klinefeed.com/pkg/xerr"
)

// DoJSON 发请求并解码 JSON 响应；状态码按行情源错误分类映射
func DoJSON(ctx context.Context, client *http.Client, req *http.Request, out any) error {
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return xerr.Wrap(xerr.KindTransientNetwork, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return xerr.Wrap(xerr.KindTransientNetwork, req.URL.Path, err)
	}
	if resp.StatusCode/100 != 2 {
		return &xerr.Error{
			Kind: xerr.FromHTTPStatus(resp.StatusCode),
			Op:   req.URL.Path,
			Err:  fmt.Errorf("http %d: %s", resp.StatusCode, truncate(body, 256)),
		}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return xerr.Wrap(xerr.KindUnknown, req.URL.Path, fmt.Errorf("decode: %w", err))
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
