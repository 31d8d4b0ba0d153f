package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dunamismax/heicflow/internal/convert"
	"github.com/dunamismax/heicflow/internal/ingress"
)

const (
	modeUpload = "upload"
	modeURL    = "url"

	headerPlan = "X-Heicflow-Plan"
)

var errFetchDisabled = errors.New("url conversion is not configured")

type convertURLRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	in, err := ingress.ReadUpload(w, r, s.converter.Config().MaxFileSizeBytes)
	if err != nil {
		s.metrics.conversionTotal.WithLabelValues(modeUpload, resultLabel(err)).Inc()
		s.writeConvertError(w, r, err)
		return
	}
	s.convertAndRespond(w, r, modeUpload, in)
}

func (s *Server) handleConvertURL(w http.ResponseWriter, r *http.Request) {
	var req convertURLRequest
	if err := decodeJSON(r, &req); err != nil {
		s.metrics.conversionTotal.WithLabelValues(modeURL, string(convert.KindValidation)).Inc()
		s.writeConvertError(w, r, convert.ValidationError(err))
		return
	}
	if s.fetcher == nil {
		s.writeConvertError(w, r, convert.FetchError(0, errFetchDisabled))
		return
	}

	in, err := s.fetcher.Fetch(r.Context(), req.URL)
	if err != nil {
		s.metrics.conversionTotal.WithLabelValues(modeURL, resultLabel(err)).Inc()
		s.writeConvertError(w, r, err)
		return
	}
	s.convertAndRespond(w, r, modeURL, in)
}

func (s *Server) convertAndRespond(w http.ResponseWriter, r *http.Request, mode string, in convert.Input) {
	start := time.Now()
	out, err := s.converter.Convert(r.Context(), in)
	s.metrics.observeConversion(mode, resultLabel(err), time.Since(start), len(in.Data), len(out.Data))
	if err != nil {
		s.writeConvertError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", out.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(out.Data)))
	w.Header().Set(headerPlan, out.Plan.String())
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(out.Data); err != nil {
		s.logger.Printf("write response failed path=%s err=%v", r.URL.Path, err)
	}
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if kind := convert.KindOf(err); kind != "" {
		return string(kind)
	}
	return "error"
}
