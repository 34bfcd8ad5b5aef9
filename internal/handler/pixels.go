package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"pixelcanvas-api/internal/cache"
	"pixelcanvas-api/internal/service"
	"pixelcanvas-api/internal/validation"
	"pixelcanvas-api/pkg/apierror"
	"pixelcanvas-api/pkg/response"
)

const maxBodyBytes = 4 * 1024

// PixelHandler handles canvas HTTP requests.
type PixelHandler struct {
	pixelService *service.PixelService
}

// NewPixelHandler creates a new pixel handler.
func NewPixelHandler(pixelService *service.PixelService) *PixelHandler {
	return &PixelHandler{pixelService: pixelService}
}

type setPixelRequest struct {
	X          *int   `json:"x" validate:"required"`
	Y          *int   `json:"y" validate:"required"`
	Color      string `json:"color" validate:"required"`
	InsertedBy string `json:"insertedBy"`
}

type deletePixelRequest struct {
	X *int `json:"x" validate:"required"`
	Y *int `json:"y" validate:"required"`
}

// ListPixels handles GET /api/pixels
func (h *PixelHandler) ListPixels(w http.ResponseWriter, r *http.Request) {
	states, err := h.pixelService.GetAllPixels(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.List(w, states)
}

// SetPixel handles POST /api/pixels
func (h *PixelHandler) SetPixel(w http.ResponseWriter, r *http.Request) {
	var req setPixelRequest
	if !decodeBody(w, r, &req) {
		return
	}

	state, err := h.pixelService.SetPixel(r.Context(), *req.X, *req.Y, req.Color, req.InsertedBy)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.Created(w, state)
}

// DeletePixel handles DELETE /api/pixels
func (h *PixelHandler) DeletePixel(w http.ResponseWriter, r *http.Request) {
	var req deletePixelRequest
	if !decodeBody(w, r, &req) {
		return
	}

	coord, err := h.pixelService.DeletePixel(r.Context(), *req.X, *req.Y)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.OK(w, coord)
}

// Leaderboard handles GET /api/pixels/leaderboard
func (h *PixelHandler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	entries, err := h.pixelService.Leaderboard(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.List(w, entries)
}

// decodeBody reads and validates a JSON body, writing the error response
// itself when it fails.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	defer r.Body.Close()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.Error(w, apierror.TooLarge("request body too large"))
			return false
		}
		response.Error(w, apierror.BadRequest("failed to read request body"))
		return false
	}

	if err := json.Unmarshal(body, dst); err != nil {
		response.Error(w, apierror.BadRequest("invalid JSON"))
		return false
	}

	if verr := validation.ValidateStruct(dst); verr != nil {
		response.Error(w, verr.ToAPIError())
		return false
	}
	return true
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *validation.RequestValidationError
	switch {
	case errors.As(err, &verr):
		response.Error(w, verr.ToAPIError())
	case errors.Is(err, service.ErrOutOfBounds):
		response.Error(w, apierror.ValidationError(err.Error(),
			apierror.FieldError{Field: "x", Message: "x and y must lie on the canvas"},
			apierror.FieldError{Field: "y", Message: "x and y must lie on the canvas"},
		))
	case errors.Is(err, service.ErrInvalidPixel):
		response.Error(w, apierror.BadRequest(err.Error()))
	case errors.Is(err, cache.ErrUnavailable):
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("cache unavailable")
		response.Error(w, apierror.ServiceUnavailable("pixel store temporarily unavailable"))
	case errors.Is(err, service.ErrFlushInProgress):
		response.Error(w, apierror.Conflict(err.Error()))
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("request failed")
		response.Error(w, err)
	}
}
