package murmur

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/putto11262002/murmur/core"
	"github.com/putto11262002/murmur/pkg/router"
)

// multipartOverhead bounds the bytes of an upload request that are not file content.
const multipartOverhead = 1 << 20

var (
	ErrNoFile       = errors.New("no file uploaded")
	ErrFileTooLarge = errors.New("file too large")
)

type RoomHandler struct {
	relay         *core.Relay
	uploads       *core.UploadStore
	staticFS      *StaticFS
	maxUploadSize int64
	trustProxy    bool
	logger        *slog.Logger
}

func NewRoomHandler(relay *core.Relay, uploads *core.UploadStore, staticFS *StaticFS, config *Config, logger *slog.Logger) *RoomHandler {
	return &RoomHandler{
		relay:         relay,
		uploads:       uploads,
		staticFS:      staticFS,
		maxUploadSize: config.Uploads.MaxSize,
		trustProxy:    config.TrustProxy,
		logger:        logger,
	}
}

// RegisterErrorMappers maps the errors returned by the room handlers to API errors.
func (h *RoomHandler) RegisterErrorMappers(r *router.Router) {
	r.RegisterErrorMapper(core.ErrRoomNotFound, func(error) router.Error {
		return router.NotFound("Room not found")
	})
	r.RegisterErrorMapper(ErrNoFile, func(error) router.Error {
		return router.BadRequest("No file uploaded")
	})
	r.RegisterErrorMapper(ErrFileTooLarge, func(error) router.Error {
		return router.NewJsonError(http.StatusRequestEntityTooLarge, "File too large")
	})
}

type CreateRoomResponse struct {
	RoomID   string `json:"roomId"`
	JoinLink string `json:"joinLink"`
}

func (h *RoomHandler) CreateRoomHandler(w http.ResponseWriter, r *http.Request) error {
	room, err := h.relay.CreateRoom()
	if err != nil {
		return fmt.Errorf("CreateRoom: %w", err)
	}
	return router.WriteJSON(w, http.StatusOK, CreateRoomResponse{
		RoomID:   room.ID,
		JoinLink: joinLink(r, room.ID, h.trustProxy),
	})
}

type UploadResponse struct {
	OriginalName string `json:"originalName"`
	Filename     string `json:"filename"`
	Size         int64  `json:"size"`
	DownloadURL  string `json:"downloadUrl"`
}

// UploadHandler stores the multipart field "file" and announces it to the room.
// A missing file is reported before an unknown room, and nothing is written
// for a room that does not exist.
func (h *RoomHandler) UploadHandler(w http.ResponseWriter, r *http.Request) error {
	roomID := chi.URLParam(r, "roomId")
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize+multipartOverhead)

	part, err := filePart(r)
	if err != nil {
		return err
	}
	defer part.Close()

	if !h.relay.RoomExists(roomID) {
		return core.ErrRoomNotFound
	}

	limited := &io.LimitedReader{R: part, N: h.maxUploadSize + 1}
	stored, err := h.uploads.Save(part.FileName(), limited)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return ErrFileTooLarge
		}
		return fmt.Errorf("save upload: %w", err)
	}
	if stored.Size > h.maxUploadSize {
		h.discardUpload(stored)
		return ErrFileTooLarge
	}

	_, err = h.relay.ShareFile(roomID, core.SharedFile{
		Name:        stored.OriginalName,
		Size:        stored.Size,
		DownloadURL: stored.DownloadURL(),
	})
	if err != nil {
		h.discardUpload(stored)
		return fmt.Errorf("ShareFile: %w", err)
	}

	return router.WriteJSON(w, http.StatusOK, UploadResponse{
		OriginalName: stored.OriginalName,
		Filename:     stored.Filename,
		Size:         stored.Size,
		DownloadURL:  stored.DownloadURL(),
	})
}

// discardUpload removes a stored file that was never announced.
func (h *RoomHandler) discardUpload(stored core.StoredFile) {
	if err := h.uploads.Remove(stored.Filename); err != nil {
		h.logger.Warn(fmt.Sprintf("discard upload: %v", err))
	}
}

// filePart advances the multipart body to the first file in the "file" field.
func filePart(r *http.Request) (*multipart.Part, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, ErrNoFile
	}
	for {
		part, err := mr.NextPart()
		if err != nil {
			var maxBytesErr *http.MaxBytesError
			if errors.As(err, &maxBytesErr) {
				return nil, ErrFileTooLarge
			}
			return nil, ErrNoFile
		}
		if part.FormName() == "file" && part.FileName() != "" {
			return part, nil
		}
		part.Close()
	}
}

func (h *RoomHandler) RoomPageHandler(w http.ResponseWriter, r *http.Request) error {
	roomID := chi.URLParam(r, "roomId")
	if !h.relay.RoomExists(roomID) {
		http.Error(w, "Room not found or expired", http.StatusNotFound)
		return nil
	}
	return h.staticFS.ServeFile(w, r, RoomPage)
}

func (h *RoomHandler) APINotFoundHandler(w http.ResponseWriter, r *http.Request) error {
	return router.NotFound("API endpoint not found")
}

// joinLink builds the absolute link of the room page as seen by the client.
func joinLink(r *http.Request, roomID string, trustProxy bool) string {
	proto := "http"
	if r.TLS != nil || (trustProxy && strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")) {
		proto = "https"
	}
	return fmt.Sprintf("%s://%s/room/%s", proto, r.Host, roomID)
}
