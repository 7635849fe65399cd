package server

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/crowdcam/crowdcam/server/decode"
	"github.com/crowdcam/crowdcam/server/engine"
	"github.com/cyclopcam/www"
	"github.com/go-chi/httprate"
	"github.com/julienschmidt/httprouter"
)

func (s *Server) setupHttpRoutes() {
	router := httprouter.New()

	unprotected := func(method, route string, handle httprouter.Handle) {
		www.Handle(s.Log, router, method, route, handle)
	}

	// The analysis endpoints do real work per request, so they get a per-IP
	// rate limit.
	ratelimited := func(method, route string, handle httprouter.Handle) {
		if s.Config.HTTP.RateLimit <= 0 {
			unprotected(method, route, handle)
			return
		}
		limited := httprate.Limit(s.Config.HTTP.RateLimit, time.Second, httprate.WithKeyFuncs(httprate.KeyByIP))
		www.Handle(s.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			limited(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				handle(w, r, params)
			})).ServeHTTP(w, r)
		})
	}

	unprotected("GET", "/api/ping", s.httpPing)
	ratelimited("POST", "/api/analyze", s.httpAnalyze)
	ratelimited("POST", "/api/stream/:streamID/frame", s.httpStreamFrame)
	unprotected("GET", "/api/stream/:streamID/result", s.httpStreamResult)
	unprotected("GET", "/api/stream/:streamID/recent", s.httpStreamRecent)
	unprotected("DELETE", "/api/stream/:streamID", s.httpStreamClose)
	unprotected("GET", "/api/stream/:streamID/ws", s.httpStreamWS)
	unprotected("GET", "/api/alerts/recent", s.httpAlertsRecent)
	unprotected("GET", "/api/alerts/ws", s.httpAlertsWS)
	unprotected("GET", "/api/analysis/recent", s.httpAnalysisRecent)

	router.Handler("GET", "/metrics", s.Metrics.Handler())

	s.httpRouter = router
}

func (s *Server) httpPing(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.SendJSON(w, map[string]any{
		"service": "crowdcam",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// analyzeRequest is the JSON form of the analyze endpoint. Raw image bodies
// (image/jpeg etc) are also accepted, without the JSON envelope.
type analyzeRequest struct {
	// Base64 image, with or without a data URI prefix
	Image string `json:"image"`
	// Optional stream ID, used only to label the result
	StreamID string `json:"streamId"`
}

// readImage extracts the frame from the request, in whichever of the
// supported forms it arrives. Malformed payloads panic with a 400.
func (s *Server) readImage(w http.ResponseWriter, r *http.Request) (*cimg.Image, string) {
	maxBody := int64(s.Config.HTTP.MaxBodyMB) * 1024 * 1024
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)

	streamID := ""
	var img *cimg.Image
	var err error
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		req := analyzeRequest{}
		www.ReadJSON(w, r, &req, maxBody)
		streamID = req.StreamID
		img, err = decode.Base64(req.Image)
	} else {
		var body []byte
		body, err = io.ReadAll(r.Body)
		www.Check(err)
		img, err = decode.Bytes(body)
	}
	if err != nil {
		s.Metrics.DecodeErrors.Add(1)
		www.PanicBadRequestf("%v", err)
	}
	return img, streamID
}

func (s *Server) httpAnalyze(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	img, streamID := s.readImage(w, r)
	ctx, cancel := context.WithTimeout(r.Context(), s.Config.SyncTimeout())
	defer cancel()
	res := s.Pool.AnalyzeImage(ctx, engine.FramePayload{
		StreamID: streamID,
		Image:    img,
		PTS:      time.Now().UTC(),
	})
	www.SendJSON(w, res)
}

func (s *Server) httpStreamFrame(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	streamID := params.ByName("streamID")
	img, _ := s.readImage(w, r)
	accepted := s.Pool.Submit(streamID, engine.FramePayload{
		Image: img,
		PTS:   time.Now().UTC(),
	})
	www.SendJSON(w, map[string]bool{"accepted": accepted})
}

func (s *Server) httpStreamResult(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	res, ok := s.Pool.Poll(params.ByName("streamID"))
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	www.SendJSON(w, res)
}

func (s *Server) httpStreamRecent(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	limit := www.QueryInt(r, "limit")
	if limit <= 0 {
		limit = 10
	}
	www.SendJSON(w, s.Pool.Recent(params.ByName("streamID"), limit))
}

func (s *Server) httpStreamClose(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.Pool.CloseStream(params.ByName("streamID"))
	www.SendOK(w)
}

func (s *Server) httpAlertsRecent(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	limit := www.QueryInt(r, "limit")
	if limit <= 0 {
		limit = 50
	}
	alerts, err := s.DB.RecentAlerts(limit)
	www.Check(err)
	www.SendJSON(w, alerts)
}

func (s *Server) httpAnalysisRecent(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	limit := www.QueryInt(r, "limit")
	if limit <= 0 {
		limit = 50
	}
	results, err := s.DB.RecentAnalysis(www.QueryValue(r, "streamId"), limit)
	www.Check(err)
	www.SendJSON(w, results)
}
