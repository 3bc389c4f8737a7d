package distribution

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zsiec/flvrelay/internal/ingest"
	"github.com/zsiec/flvrelay/internal/relay"
)

// StreamInfo is the JSON summary of a stream returned by /api/streams.
type StreamInfo struct {
	relay.Stats
	Ingest *ingest.IngestStats `json:"ingest,omitempty"`
}

// StreamDetail adds per-subscriber delivery stats to StreamInfo.
type StreamDetail struct {
	StreamInfo
	SubscriberStats []relay.SubscriberStats `json:"subscriberStats"`
}

type certHashResponse struct {
	Hash       string `json:"hash"`
	Addr       string `json:"addr"`
	SelfSigned bool   `json:"selfSigned"`
}

func (s *Server) streamInfo(st *relay.Stream) StreamInfo {
	info := StreamInfo{Stats: st.Stats()}
	if s.config.IngestLookup != nil {
		info.Ingest = s.config.IngestLookup(st.Name())
	}
	return info
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"streams": s.config.Registry.Len(),
	})
}

func (s *Server) handleListStreams(w http.ResponseWriter, _ *http.Request) {
	streams := s.config.Registry.List()
	resp := make([]StreamInfo, len(streams))
	for i, st := range streams {
		resp[i] = s.streamInfo(st)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	st, ok := s.config.Registry.Get(chi.URLParam(r, "key"))
	if !ok {
		writeError(w, http.StatusNotFound, "stream not found")
		return
	}
	writeJSON(w, http.StatusOK, StreamDetail{
		StreamInfo:      s.streamInfo(st),
		SubscriberStats: st.SubscriberStats(),
	})
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	if s.config.Cert == nil {
		writeError(w, http.StatusNotFound, "no certificate configured")
		return
	}
	writeJSON(w, http.StatusOK, certHashResponse{
		Hash:       s.config.Cert.FingerprintBase64(),
		Addr:       s.config.H3Addr,
		SelfSigned: s.config.Cert.SelfSigned,
	})
}

func (s *Server) handleSRTPullOptions(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.WriteHeader(http.StatusNoContent)
}

// SECURITY: The SRT pull endpoint accepts arbitrary addresses, which could be
// used for SSRF if exposed to untrusted clients. Restrict it to operators or
// internal networks.
func (s *Server) handleSRTPullList(w http.ResponseWriter, _ *http.Request) {
	if s.config.SRTList == nil {
		writeJSON(w, http.StatusOK, []SRTPullInfo{})
		return
	}
	writeJSON(w, http.StatusOK, s.config.SRTList())
}

func (s *Server) handleSRTPullCreate(w http.ResponseWriter, r *http.Request) {
	if s.config.SRTPull == nil {
		writeError(w, http.StatusNotImplemented, "SRT pull not configured")
		return
	}
	var req SRTPullInfo
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Address == "" || req.StreamKey == "" {
		writeError(w, http.StatusBadRequest, "address and streamKey are required")
		return
	}
	if err := s.config.SRTPull(req.Address, req.StreamKey, req.StreamID); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "pulling", "streamKey": req.StreamKey})
}

func (s *Server) handleSRTPullStop(w http.ResponseWriter, r *http.Request) {
	if s.config.SRTStop == nil {
		writeError(w, http.StatusNotImplemented, "SRT pull not configured")
		return
	}
	streamKey := r.URL.Query().Get("streamKey")
	if streamKey == "" {
		writeError(w, http.StatusBadRequest, "streamKey query parameter required")
		return
	}
	if err := s.config.SRTStop(streamKey); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "streamKey": streamKey})
}
