package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/andresmejia3/sightline/internal/metrics"
	"github.com/andresmejia3/sightline/internal/pipeline"
	"github.com/andresmejia3/sightline/internal/store"
	"github.com/andresmejia3/sightline/internal/types"
	"github.com/andresmejia3/sightline/internal/utils"
	"github.com/julienschmidt/httprouter"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// MediaType is how an upload is handled, decided by its file extension.
type MediaType string

const (
	MediaImage       MediaType = "image"
	MediaVideo       MediaType = "video"
	MediaUnsupported MediaType = ""
)

const unsupportedMsg = "Only image (.jpg/.jpeg/.png) and video (.mp4) files are supported."

// MediaTypeOf classifies a file extension, case-insensitively.
func MediaTypeOf(name string) MediaType {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png":
		return MediaImage
	case ".mp4":
		return MediaVideo
	default:
		return MediaUnsupported
	}
}

// ContentType is the mimetype result files are served with.
func ContentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".avi":
		return "video/x-msvideo"
	case ".mp4":
		return "video/mp4"
	default:
		return "image/jpeg"
	}
}

// VideoResponse is the body of a successful video request.
type VideoResponse struct {
	Detections    []string               `json:"detections"`
	MediaURL      string                 `json:"media_url"`
	Type          MediaType              `json:"type"`
	FramesWritten int                    `json:"frames_written"`
	PerSecond     pipeline.SecondBuckets `json:"detections_per_second,omitempty"`
}

// ImageResponse is the body of a successful image request.
type ImageResponse struct {
	Detections []types.Labeled `json:"detections"`
	MediaURL   string          `json:"media_url"`
	Type       MediaType       `json:"type"`
}

func (s *Server) httpPredict(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	ctx, span := otel.Tracer("server").Start(r.Context(), "server.predict")
	defer span.End()

	requestID := utils.NewToken()
	log := s.log.With(zap.String("request_id", requestID))

	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			metrics.RequestsTotal.WithLabelValues("unknown", "413").Inc()
			writeError(w, http.StatusRequestEntityTooLarge, "Upload exceeds the size limit")
			return
		}
		metrics.RequestsTotal.WithLabelValues("unknown", "400").Inc()
		writeError(w, http.StatusBadRequest, "No file uploaded")
		return
	}
	defer file.Close()
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	media := MediaTypeOf(header.Filename)
	span.SetAttributes(attribute.String("media.type", string(media)), attribute.String("media.name", header.Filename))
	if media == MediaUnsupported {
		metrics.RequestsTotal.WithLabelValues("unknown", "400").Inc()
		writeError(w, http.StatusBadRequest, unsupportedMsg)
		return
	}
	log = log.With(zap.String("media_type", string(media)), zap.String("filename", header.Filename))

	perSecond := s.opts.PerSecond
	if v := r.URL.Query().Get("per_second"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			metrics.RequestsTotal.WithLabelValues(string(media), "400").Inc()
			writeError(w, http.StatusBadRequest, "per_second must be a boolean")
			return
		}
		perSecond = b
	}

	// The upload keeps its suffix so the decoder can pick a demuxer
	tmpPath, err := s.saveUpload(file, filepath.Ext(header.Filename))
	if err != nil {
		log.Error("failed to save upload", zap.Error(err))
		metrics.RequestsTotal.WithLabelValues(string(media), "500").Inc()
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer os.Remove(tmpPath)

	start := time.Now()
	var (
		resp     any
		analysis *store.Analysis
		output   string
	)
	token := utils.NewToken()

	switch media {
	case MediaImage:
		output = filepath.Join(s.opts.ResultsDir, token+".jpg")
		res, err := s.annotator.AnnotateImage(ctx, tmpPath, output)
		if err != nil {
			s.fail(w, span, log, media, err)
			return
		}
		url := ResultsRoute + filepath.Base(res.OutputPath)
		resp = ImageResponse{Detections: res.Detections, MediaURL: url, Type: MediaImage}
		classes := make([]string, 0, len(res.Detections))
		for _, d := range res.Detections {
			classes = append(classes, d.Class)
		}
		analysis = &store.Analysis{MediaType: string(media), SourceName: header.Filename, OutputPath: res.OutputPath, Detections: classes, FramesWritten: 1}

	case MediaVideo:
		output = filepath.Join(s.opts.ResultsDir, token+"_out.avi")
		res, err := s.annotator.Run(ctx, tmpPath, output, pipeline.Options{Stride: s.opts.Stride, PerSecond: perSecond})
		if err != nil {
			s.fail(w, span, log, media, err)
			return
		}
		url := ResultsRoute + filepath.Base(res.OutputPath)
		resp = VideoResponse{
			Detections:    res.Detections,
			MediaURL:      url,
			Type:          MediaVideo,
			FramesWritten: res.FramesWritten,
			PerSecond:     res.PerSecond,
		}
		analysis = &store.Analysis{
			MediaType:     string(media),
			SourceName:    header.Filename,
			OutputPath:    res.OutputPath,
			Detections:    res.Detections,
			PerSecond:     res.PerSecond,
			FramesWritten: res.FramesWritten,
		}
	}

	log.Info("prediction finished", zap.Duration("took", time.Since(start)), zap.String("output", output))
	s.afterSuccess(ctx, log, analysis)

	metrics.RequestsTotal.WithLabelValues(string(media), "200").Inc()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) fail(w http.ResponseWriter, span trace.Span, log *zap.Logger, media MediaType, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	log.Error("prediction failed", zap.String("kind", string(pipeline.KindOf(err))), zap.Error(err))
	metrics.RequestsTotal.WithLabelValues(string(media), "500").Inc()
	writeError(w, http.StatusInternalServerError, err.Error())
}

// afterSuccess mirrors and records a finished analysis. Neither is allowed to fail the request.
func (s *Server) afterSuccess(ctx context.Context, log *zap.Logger, a *store.Analysis) {
	if s.uploader != nil {
		if key, err := s.uploader.Upload(ctx, a.OutputPath, ContentType(a.OutputPath)); err != nil {
			log.Warn("failed to mirror result", zap.Error(err))
		} else {
			log.Debug("result mirrored", zap.String("key", key))
		}
	}
	if s.recorder != nil {
		if err := s.recorder.RecordAnalysis(ctx, a); err != nil {
			log.Warn("failed to record analysis", zap.Error(err))
		}
	}
}

// saveUpload copies the upload into a temp file with suffix. The caller removes it.
func (s *Server) saveUpload(src io.Reader, suffix string) (string, error) {
	tmp, err := os.CreateTemp(s.opts.UploadDir, "upload-*"+strings.ToLower(suffix))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}
