package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/andresmejia3/sightline/internal/pipeline"
	"github.com/andresmejia3/sightline/internal/store"
	"github.com/andresmejia3/sightline/internal/types"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
)

// ResultsRoute is the URL prefix result files are served from.
const ResultsRoute = "/static/results/"

// Annotator runs the detection pipeline. *pipeline.Pipeline implements it.
type Annotator interface {
	Run(ctx context.Context, input, output string, opts pipeline.Options) (*pipeline.Result, error)
	AnnotateImage(ctx context.Context, input, output string) (*pipeline.ImageResult, error)
}

// Recorder persists finished analyses. *store.Store implements it.
type Recorder interface {
	RecordAnalysis(ctx context.Context, a *store.Analysis) error
}

// Uploader copies result files elsewhere. *objectstore.Mirror implements it.
type Uploader interface {
	Upload(ctx context.Context, path, contentType string) (string, error)
}

// Options are the request handling settings.
type Options struct {
	ResultsDir     string
	UploadDir      string // empty means os.TempDir()
	MaxUploadBytes int64
	CORSOrigin     string
	Stride         int
	PerSecond      bool // default for requests that do not pass ?per_second=
}

type Server struct {
	annotator Annotator
	recorder  Recorder
	uploader  Uploader
	opts      Options
	log       *zap.Logger
}

type Option func(*Server)

// WithRecorder stores every successful analysis.
func WithRecorder(r Recorder) Option {
	return func(s *Server) { s.recorder = r }
}

// WithUploader mirrors every result file.
func WithUploader(u Uploader) Option {
	return func(s *Server) { s.uploader = u }
}

func New(annotator Annotator, opts Options, log *zap.Logger, extra ...Option) (*Server, error) {
	if opts.ResultsDir == "" {
		return nil, fmt.Errorf("results directory must be set")
	}
	if err := os.MkdirAll(opts.ResultsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create results directory: %w", err)
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 512 << 20
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{annotator: annotator, opts: opts, log: log}
	for _, o := range extra {
		o(s)
	}
	return s, nil
}

// Handler returns the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/", s.httpIndex)
	router.GET("/healthz", s.httpHealth)
	router.POST("/predict", s.httpPredict)
	router.GET(ResultsRoute+":filename", s.httpResult)
	router.HandleOPTIONS = true
	router.GlobalOPTIONS = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return s.cors(router)
}

// ListenAndServe serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("http server starting", zap.String("addr", addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		s.log.Info("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", s.opts.CORSOrigin)
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, types.ErrorResult{Error: msg})
}

func (s *Server) httpIndex(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("sightline backend is running!"))
}

func (s *Server) httpHealth(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// httpResult serves a produced file by name. Only plain file names inside the
// results directory are reachable.
func (s *Server) httpResult(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	name := params.ByName("filename")
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		writeError(w, http.StatusBadRequest, "invalid file name")
		return
	}
	path := filepath.Join(s.opts.ResultsDir, name)
	f, err := os.Open(path)
	if err != nil {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil || st.IsDir() {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	w.Header().Set("Content-Type", ContentType(name))
	http.ServeContent(w, r, name, st.ModTime(), f)
}
