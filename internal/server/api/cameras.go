// Package api provides HTTP API handlers for Spotwise.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/ayusman/spotwise/internal/store"
)

// CameraHandler handles HTTP requests for camera resources. A camera names a
// video path so viewers can start a stream with {"video_path": "<name>"}.
type CameraHandler struct {
	store *store.Store
}

// NewCameraHandler creates a new CameraHandler with the given store.
func NewCameraHandler(s *store.Store) *CameraHandler {
	return &CameraHandler{store: s}
}

// Register adds the camera routes to r, which is expected to be mounted at
// /api/cameras.
func (h *CameraHandler) Register(r *mux.Router) {
	r.HandleFunc("", h.list).Methods(http.MethodGet)
	r.HandleFunc("", h.create).Methods(http.MethodPost)
	r.HandleFunc("/", h.list).Methods(http.MethodGet)
	r.HandleFunc("/", h.create).Methods(http.MethodPost)
	r.HandleFunc("/{id}", h.get).Methods(http.MethodGet)
	r.HandleFunc("/{id}", h.update).Methods(http.MethodPut)
	r.HandleFunc("/{id}", h.delete).Methods(http.MethodDelete)
}

// Request and response types

type cameraRequest struct {
	Name      string `json:"name"`
	VideoPath string `json:"video_path"`
}

type cameraResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	VideoPath string `json:"video_path"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type listCamerasResponse struct {
	Cameras []cameraResponse `json:"cameras"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func toResponse(c *store.Camera) cameraResponse {
	return cameraResponse{
		ID:        c.ID,
		Name:      c.Name,
		VideoPath: c.VideoPath,
		CreatedAt: c.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		UpdatedAt: c.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func decodeRequest(r *http.Request) (cameraRequest, error) {
	var req cameraRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, err
	}
	req.Name = strings.TrimSpace(req.Name)
	req.VideoPath = strings.TrimSpace(req.VideoPath)
	return req, nil
}

// list handles GET /api/cameras and returns all cameras ordered by name.
func (h *CameraHandler) list(w http.ResponseWriter, r *http.Request) {
	cameras, err := h.store.Cameras().List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list cameras")
		return
	}

	response := listCamerasResponse{
		Cameras: make([]cameraResponse, 0, len(cameras)),
	}
	for _, c := range cameras {
		response.Cameras = append(response.Cameras, toResponse(c))
	}

	writeJSON(w, http.StatusOK, response)
}

// get handles GET /api/cameras/{id}.
func (h *CameraHandler) get(w http.ResponseWriter, r *http.Request) {
	camera, err := h.store.Cameras().GetByID(mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Camera not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get camera")
		return
	}

	writeJSON(w, http.StatusOK, toResponse(camera))
}

// create handles POST /api/cameras.
func (h *CameraHandler) create(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "Name is required")
		return
	}
	if req.VideoPath == "" {
		writeError(w, http.StatusBadRequest, "Video path is required")
		return
	}

	camera := &store.Camera{
		ID:        uuid.New().String(),
		Name:      req.Name,
		VideoPath: req.VideoPath,
	}

	if err := h.store.Cameras().Create(camera); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			writeError(w, http.StatusConflict, "Camera name already in use")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to create camera")
		return
	}

	writeJSON(w, http.StatusCreated, toResponse(camera))
}

// update handles PUT /api/cameras/{id}. Empty fields keep their value.
func (h *CameraHandler) update(w http.ResponseWriter, r *http.Request) {
	camera, err := h.store.Cameras().GetByID(mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Camera not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get camera")
		return
	}

	req, err := decodeRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	if req.Name != "" {
		camera.Name = req.Name
	}
	if req.VideoPath != "" {
		camera.VideoPath = req.VideoPath
	}

	if err := h.store.Cameras().Update(camera); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			writeError(w, http.StatusConflict, "Camera name already in use")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to update camera")
		return
	}

	writeJSON(w, http.StatusOK, toResponse(camera))
}

// delete handles DELETE /api/cameras/{id}.
func (h *CameraHandler) delete(w http.ResponseWriter, r *http.Request) {
	err := h.store.Cameras().Delete(mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Camera not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to delete camera")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
