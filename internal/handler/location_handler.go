package handler

import (
	"net/http"

	"github.com/hitoshi/vibex/internal/geo"
	"github.com/hitoshi/vibex/internal/middleware"
	"github.com/hitoshi/vibex/internal/model"
)

// LocationHandler は端末の位置情報が使えない場合のIPベースの位置を返す。
type LocationHandler struct {
	locator geo.Locator
}

// NewLocationHandler はLocationHandlerを生成する。
func NewLocationHandler(locator geo.Locator) *LocationHandler {
	return &LocationHandler{locator: locator}
}

type locationResponse struct {
	geo.Position
	Error *model.APIError `json:"error,omitempty"`
}

// Get はクライアントIPから位置を推定する。
// 推定できない場合も既定の地図中心とエラー内容を200で返す。
// GET /api/location
func (h *LocationHandler) Get(w http.ResponseWriter, r *http.Request) {
	pos := geo.Resolve(r.Context(), h.locator, middleware.ClientIP(r))
	writeJSON(w, http.StatusOK, locationResponse{Position: pos, Error: pos.Err})
}
