package remote

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"pkg.jsn.cam/protpred/pkg/protpred"
	"pkg.jsn.cam/protpred/pkg/protpred/httpx"
	"pkg.jsn.cam/protpred/pkg/protpred/protocol"
)

// Server runs a local predictor on batches posted by a Client.
type Server struct {
	predictor protpred.Predictor
	mux       *http.ServeMux
}

// NewServer wraps predictor, which should produce mapping or directory
// results; directory results are read into memory and removed.
func NewServer(predictor protpred.Predictor) *Server {
	s := &Server{
		predictor: predictor,
		mux:       http.NewServeMux(),
	}
	s.setupRoutes()

	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("POST /api/predict", httpx.Wrap(s.handlePredict))
	s.mux.HandleFunc("GET /health", s.handleHealth)
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("[REMOTE] Serving predictions on %s (protocol %s)", listener.Addr(), protocol.Version)

	if err := srv.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) error {
	peer := r.Header.Get(protocol.VersionHeader)
	ok, err := protocol.IsCompatibleVersion(peer, protocol.Version)
	if err != nil {
		return httpx.Errorf(http.StatusBadRequest, "%v", err)
	}
	if !ok {
		return httpx.Errorf(http.StatusConflict, "%s", protocol.CompatibilityError("client", peer, protocol.Version))
	}

	var req protocol.PredictRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		return err
	}

	batch := req.Batch()
	log.Printf("[REMOTE] Batch %d: predicting %d items", batch.Index, batch.Len())

	resp := protocol.PredictResponse{Index: batch.Index}
	entries, err := s.predict(r.Context(), batch)
	if err != nil {
		log.Printf("[REMOTE] Batch %d failed: %v", batch.Index, err)
		resp.Error = err.Error()
		var pe *protpred.PredictorError
		if errors.As(err, &pe) {
			resp.Error = pe.Err.Error()
			resp.Stderr = pe.Stderr
		}
		httpx.JSON(w, http.StatusOK, resp)
		return nil
	}

	resp.Success = true
	resp.Entries = entries
	httpx.JSON(w, http.StatusOK, resp)
	return nil
}

func (s *Server) predict(ctx context.Context, batch protpred.Batch) ([]protpred.Prediction, error) {
	res, err := s.predictor.Predict(ctx, batch)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, protpred.ErrNilResult
	}

	switch r := res.(type) {
	case *protpred.MappingResult:
		return r.Entries, nil
	case *protpred.DirectoryResult:
		entries, err := protpred.ReadDirectory(r.Dir, r.Keys)
		if derr := r.Discard(); err == nil {
			err = derr
		}
		return entries, err
	default:
		r.Discard()
		return nil, fmt.Errorf("%w: remote workers cannot serve %s results", protpred.ErrUnknownMode, res.Mode())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, protocol.HealthResponse{Status: "ok", Version: protocol.Version})
}
