package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// maxResponseSize はIPジオロケーションAPIのレスポンスサイズ上限。
const maxResponseSize = 64 * 1024

// HTTPLocator はIPジオロケーションAPIで位置を取得する。
// URLテンプレートの{ip}をクライアントのIPアドレスに置き換えてリクエストする。
type HTTPLocator struct {
	urlTemplate string
	client      *http.Client
	logger      *slog.Logger
}

// NewHTTPLocator はHTTPLocatorを生成する。
// 本番ではsecurity.NewEgressClientで生成したクライアントを渡す。
func NewHTTPLocator(urlTemplate string, client *http.Client, logger *slog.Logger) *HTTPLocator {
	return &HTTPLocator{urlTemplate: urlTemplate, client: client, logger: logger}
}

type lookupResponse struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Error     bool     `json:"error"`
	Reason    string   `json:"reason"`
}

// Locate はIPアドレスの位置を返す。失敗は*LocationErrorとして分類する。
func (l *HTTPLocator) Locate(ctx context.Context, ip string) (Coordinates, error) {
	if net.ParseIP(ip) == nil {
		return Coordinates{}, &LocationError{Kind: KindUnavailable, Err: fmt.Errorf("invalid ip: %q", ip)}
	}
	target := strings.ReplaceAll(l.urlTemplate, "{ip}", url.PathEscape(ip))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Coordinates{}, &LocationError{Kind: KindUnavailable, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		kind := KindUnavailable
		if isTimeout(err) {
			kind = KindTimeout
		}
		l.logger.Warn("位置情報の取得に失敗しました",
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)
		return Coordinates{}, &LocationError{Kind: kind, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Coordinates{}, &LocationError{Kind: KindPermissionDenied, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode == http.StatusGatewayTimeout || resp.StatusCode == http.StatusRequestTimeout:
		return Coordinates{}, &LocationError{Kind: KindTimeout, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return Coordinates{}, &LocationError{Kind: KindUnavailable, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var body lookupResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&body); err != nil {
		if isTimeout(err) {
			return Coordinates{}, &LocationError{Kind: KindTimeout, Err: err}
		}
		return Coordinates{}, &LocationError{Kind: KindUnavailable, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	if body.Error || body.Latitude == nil || body.Longitude == nil {
		return Coordinates{}, &LocationError{Kind: KindUnavailable, Err: fmt.Errorf("lookup failed: %s", body.Reason)}
	}

	c := Coordinates{Lat: *body.Latitude, Lng: *body.Longitude}
	if !c.Valid() {
		return Coordinates{}, &LocationError{Kind: KindUnavailable, Err: fmt.Errorf("coordinates out of range")}
	}
	return c, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
