package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/Waupie/home-security-camera/internal/recorder/storage"
)

func (s *Server) listVideos(w http.ResponseWriter, r *http.Request) ([]storage.Video, bool) {
	if s.deps.Catalog == nil {
		writeError(w, http.StatusInternalServerError, "Video API not configured")
		return nil, false
	}

	videos, err := s.deps.Catalog.List(r.Context())
	if err != nil {
		s.logger.Error("Failed to list videos", zap.Error(err))
		var cerr *storage.CatalogError
		if errors.As(err, &cerr) && cerr.StatusCode != 0 {
			writeError(w, cerr.StatusCode, "Failed to fetch videos")
			return nil, false
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	if videos == nil {
		videos = []storage.Video{}
	}
	return videos, true
}

func (s *Server) handleVideos(w http.ResponseWriter, r *http.Request) {
	videos, ok := s.listVideos(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, videos)
}

func (s *Server) handleVideosGrouped(w http.ResponseWriter, r *http.Request) {
	videos, ok := s.listVideos(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, storage.GroupByDate(videos))
}
