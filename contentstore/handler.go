package contentstore

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
)

// MaxUploadBytes bounds a single /add upload served by Handler.
const MaxUploadBytes = 64 << 20

type handler struct {
	store *Memory
	log   zerolog.Logger
}

// NewHandler serves the subset of the IPFS HTTP API and gateway the client
// uses (/api/v0/add, /api/v0/cat and /ipfs/{cid}) backed by store.
func NewHandler(store *Memory, log zerolog.Logger) http.Handler {
	h := &handler{store: store, log: log}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v0/add", h.add)
	mux.HandleFunc("POST /api/v0/cat", h.cat)
	mux.HandleFunc("GET /ipfs/{cid}", h.gateway)
	return mux
}

func (h *handler) add(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "file argument is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, err.Error())
		return
	}
	address, err := h.store.Put(r.Context(), data)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.log.Debug().Str("cid", address).Int("size", len(data)).Msg("content added")

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(addResponse{
		Name: header.Filename,
		Hash: address,
		Size: strconv.Itoa(len(data)),
	})
}

func (h *handler) cat(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("arg")
	reader, err := h.store.Get(r.Context(), address)
	if err != nil {
		h.writeLookupError(w, err)
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, reader); err != nil {
		h.log.Warn().Err(err).Str("cid", address).Msg("cat write failed")
	}
}

func (h *handler) gateway(w http.ResponseWriter, r *http.Request) {
	address := r.PathValue("cid")
	blob, err := h.store.GetBlob(r.Context(), address)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", blob.MediaType)
	w.Header().Set("Content-Length", strconv.Itoa(len(blob.Data)))
	w.Header().Set("Cache-Control", "public, max-age=29030400, immutable")
	if ext := mimetype.Lookup(blob.MediaType); ext != nil && ext.Extension() != "" {
		w.Header().Set("X-Content-Extension", ext.Extension())
	}
	_, _ = w.Write(blob.Data)
}

func (h *handler) writeLookupError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeAPIError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidAddress):
		writeAPIError(w, http.StatusBadRequest, err.Error())
	default:
		writeAPIError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeAPIError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"Message": message,
		"Code":    0,
		"Type":    "error",
	})
}
