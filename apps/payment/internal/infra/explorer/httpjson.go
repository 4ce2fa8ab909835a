package explorer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/olawanle/time-machine-investment-system-sub000/pkg/xerr"
	"github.com/segmentio/encoding/json"
)

// 单个响应最多读 4MB，地址交易列表再大就是被攻击了
const maxBodyBytes = 4 << 20

// StatusError 上游返回非 2xx
type StatusError struct {
	Source string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: http %d: %s", e.Source, e.Status, e.Body)
}

func get(ctx context.Context, client *http.Client, source, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", source, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, xerr.Wrap(&StatusError{Source: source, Status: resp.StatusCode, Body: snippet(body)},
			xerr.RecordNotFound, "not found on "+source)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Source: source, Status: resp.StatusCode, Body: snippet(body)}
	}
	return body, nil
}

func getJSON(ctx context.Context, client *http.Client, source, url string, out interface{}) error {
	body, err := get(ctx, client, source, url)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode: %w", source, err)
	}
	return nil
}

// getInt 有些接口直接返回纯文本数字（区块高度）
func getInt(ctx context.Context, client *http.Client, source, url string) (int64, error) {
	body, err := get(ctx, client, source, url)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: parse height: %w", source, err)
	}
	return n, nil
}

func snippet(b []byte) string {
	const n = 200
	if len(b) > n {
		b = b[:n]
	}
	return strings.TrimSpace(string(b))
}

// confirmations 高度 h 的交易在 tip 时的确认数；未上链为 0
func confirmations(tip, height int64) int64 {
	if height <= 0 || tip < height {
		return 0
	}
	return tip - height + 1
}
