// Package geo は位置情報の取得と距離計算を提供する。
// 端末の位置情報が使えない場合は既定の地図中心に縮退する。
package geo

import (
	"context"
	"errors"
	"math"

	"github.com/hitoshi/vibex/internal/model"
)

// Coordinates は緯度経度。
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid は緯度経度が範囲内かを返す。
func (c Coordinates) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180 &&
		!math.IsNaN(c.Lat) && !math.IsNaN(c.Lng)
}

// DefaultCenter は位置情報が取得できない場合の地図中心。
var DefaultCenter = Coordinates{Lat: 23.1925, Lng: 72.6844}

// CreateRadiusMeters は現在地からVibeを作成できる最大距離。
const CreateRadiusMeters = 5000.0

const earthRadiusMeters = 6371000.0

// Distance は2点間の大円距離をメートルで返す。
func Distance(a, b Coordinates) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

// WithinCreateRadius は作成地点が現在地から作成可能範囲内かを返す。
func WithinCreateRadius(user, target Coordinates) bool {
	return Distance(user, target) <= CreateRadiusMeters
}

// ErrorKind は位置情報取得失敗の分類。
type ErrorKind string

const (
	KindPermissionDenied ErrorKind = "permission_denied"
	KindUnavailable      ErrorKind = "unavailable"
	KindTimeout          ErrorKind = "timeout"
)

// LocationError は分類済みの位置情報取得エラー。
type LocationError struct {
	Kind ErrorKind
	Err  error
}

func (e *LocationError) Error() string {
	if e.Err != nil {
		return "location " + string(e.Kind) + ": " + e.Err.Error()
	}
	return "location " + string(e.Kind)
}

func (e *LocationError) Unwrap() error {
	return e.Err
}

// APIError は画面表示用のエラーに変換する。
func (e *LocationError) APIError() *model.APIError {
	switch e.Kind {
	case KindPermissionDenied:
		return model.NewLocationDeniedError()
	case KindTimeout:
		return model.NewLocationTimeoutError()
	default:
		return model.NewLocationUnavailableError()
	}
}

// Classify はブラウザのGeolocationPositionErrorのコードを分類する。
// 1: PERMISSION_DENIED, 2: POSITION_UNAVAILABLE, 3: TIMEOUT
func Classify(code int) ErrorKind {
	switch code {
	case 1:
		return KindPermissionDenied
	case 3:
		return KindTimeout
	default:
		return KindUnavailable
	}
}

// Locator は位置情報の取得元。
type Locator interface {
	Locate(ctx context.Context, ip string) (Coordinates, error)
}

// 位置情報の取得元
const (
	SourceDevice  = "device"
	SourceIP      = "ip"
	SourceDefault = "default"
)

// Position は地図に表示する位置。取得に失敗した場合はDefaultCenterとエラーを持つ。
type Position struct {
	Coordinates
	Source string          `json:"source"`
	Err    *model.APIError `json:"-"`
}

// Known は実際の位置が分かっているかを返す。
func (p Position) Known() bool {
	return p.Source == SourceDevice || p.Source == SourceIP
}

// FromDevice は端末から報告された位置を返す。範囲外の値は取得不能として扱う。
func FromDevice(c Coordinates) Position {
	if !c.Valid() {
		return Fallback(&LocationError{Kind: KindUnavailable})
	}
	return Position{Coordinates: c, Source: SourceDevice}
}

// Fallback はエラーを保持したまま既定の地図中心を返す。
func Fallback(err error) Position {
	var locErr *LocationError
	if !errors.As(err, &locErr) {
		locErr = &LocationError{Kind: KindUnavailable, Err: err}
	}
	return Position{Coordinates: DefaultCenter, Source: SourceDefault, Err: locErr.APIError()}
}

// Resolve はIPアドレスから位置を取得する。失敗した場合は既定の地図中心に縮退する。
func Resolve(ctx context.Context, locator Locator, ip string) Position {
	c, err := locator.Locate(ctx, ip)
	if err != nil {
		return Fallback(err)
	}
	return Position{Coordinates: c, Source: SourceIP}
}
