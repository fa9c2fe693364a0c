// internal/server/server.go
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/lumix-ai/htm/internal/core"
	"github.com/lumix-ai/htm/internal/model"
	"github.com/lumix-ai/htm/internal/monitoring"
	"github.com/lumix-ai/htm/internal/stream"
)

// Config - HTTP front end of a single model
type Config struct {
	Addr   string `yaml:"addr"`
	Stream string `yaml:"stream"`

	// ResultTTL bounds how long step results stay queryable.
	ResultTTL      time.Duration          `yaml:"result_ttl"`
	CheckpointPath string                 `yaml:"checkpoint_path"`
	Record         stream.JSONLinesConfig `yaml:"record"`
}

func DefaultConfig() Config {
	return Config{
		Addr:      ":8080",
		Stream:    "default",
		ResultTTL: 10 * time.Minute,
		Record:    stream.DefaultJSONLinesConfig(),
	}
}

// StepResponse - JSON body returned for a processed record
type StepResponse struct {
	Stream           string   `json:"stream"`
	Timestamp        string   `json:"timestamp"`
	Value            float64  `json:"value"`
	Prediction       *float64 `json:"prediction"`
	AnomalyScore     float64  `json:"anomaly_score"`
	RawScore         float64  `json:"raw_score"`
	Likelihood       float64  `json:"anomaly_likelihood"`
	LogLikelihood    float64  `json:"log_likelihood"`
	ActiveColumns    int      `json:"active_columns"`
	BurstingColumns  int      `json:"bursting_columns"`
	PredictedColumns int      `json:"predicted_columns"`
}

type errorResponse struct {
	Error string `json:"error"`
}

const latestKey = "latest"

// Server - serialises HTTP access to one model. Every step result is also handed to
// the optional sink, in step order and under the same lock.
type Server struct {
	config  Config
	mu      sync.Mutex
	model   *model.Model
	sink    stream.Sink
	metrics *monitoring.Metrics
	results *cache.Cache
	metricz fasthttp.RequestHandler
	http    *fasthttp.Server
}

// New - gatherer backs GET /metrics; metrics and sink may be nil
func New(config Config, m *model.Model, metrics *monitoring.Metrics, gatherer prometheus.Gatherer, sink stream.Sink) *Server {
	if config.ResultTTL <= 0 {
		config.ResultTTL = DefaultConfig().ResultTTL
	}
	if config.Stream == "" {
		config.Stream = DefaultConfig().Stream
	}
	if config.Record.TimestampPath == "" {
		config.Record = stream.DefaultJSONLinesConfig()
	}
	if len(config.Record.TimeLayouts) == 0 {
		config.Record.TimeLayouts = stream.DefaultTimeLayouts
	}

	s := &Server{
		config:  config,
		model:   m,
		sink:    sink,
		metrics: metrics,
		results: cache.New(config.ResultTTL, 2*config.ResultTTL),
	}
	if gatherer != nil {
		s.metricz = fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	if metrics != nil {
		metrics.SetLearning(config.Stream, m.Learning())
	}
	s.http = &fasthttp.Server{
		Handler:      s.Handle,
		Name:         "htm",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handle - request router
func (s *Server) Handle(ctx *fasthttp.RequestCtx) {
	method, path := string(ctx.Method()), string(ctx.Path())
	switch {
	case path == "/v1/step" && method == fasthttp.MethodPost:
		s.handleStep(ctx)
	case path == "/v1/reset" && method == fasthttp.MethodPost:
		s.handleReset(ctx)
	case path == "/v1/learning" && method == fasthttp.MethodPut:
		s.handleLearning(ctx)
	case path == "/v1/latest" && method == fasthttp.MethodGet:
		s.handleLatest(ctx)
	case path == "/v1/result" && method == fasthttp.MethodGet:
		s.handleResult(ctx)
	case path == "/v1/stats" && method == fasthttp.MethodGet:
		s.handleStats(ctx)
	case path == "/v1/checkpoint" && method == fasthttp.MethodPost:
		s.handleCheckpoint(ctx)
	case path == "/metrics" && method == fasthttp.MethodGet && s.metricz != nil:
		s.metricz(ctx)
	case path == "/healthz":
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
	default:
		writeError(ctx, fasthttp.StatusNotFound, fmt.Errorf("no route for %s %s", method, path))
	}
}

func (s *Server) handleStep(ctx *fasthttp.RequestCtx) {
	rec, err := stream.ParseJSONRecord(string(ctx.PostBody()), s.config.Record, 1)
	if err != nil {
		if s.metrics != nil {
			s.metrics.ObserveSkipped(s.config.Stream, "malformed")
		}
		writeError(ctx, fasthttp.StatusBadRequest, err)
		return
	}

	learn := true
	if raw := ctx.QueryArgs().Peek("learn"); raw != nil {
		learn, err = strconv.ParseBool(string(raw))
		if err != nil {
			writeError(ctx, fasthttp.StatusBadRequest, fmt.Errorf("learn: %w", err))
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	res, err := s.model.Step(rec.Timestamp, rec.Value, learn && s.model.Learning())
	latency := time.Since(start)
	if err != nil {
		if s.metrics != nil {
			switch {
			case errors.Is(err, core.ErrOutOfRange):
				s.metrics.ObserveSkipped(s.config.Stream, "out_of_range")
			case errors.Is(err, core.ErrOutOfOrder):
				s.metrics.ObserveSkipped(s.config.Stream, "out_of_order")
			}
		}
		writeError(ctx, statusFor(err), err)
		return
	}
	if s.metrics != nil {
		s.metrics.ObserveStep(s.config.Stream, res, latency)
	}

	resp := s.response(res)
	s.results.SetDefault(latestKey, resp)
	s.results.SetDefault(resultKey(res.Timestamp), resp)

	if s.sink != nil {
		if err := s.sink.Accept(stream.OutputFromResult(s.config.Stream, res)); err != nil {
			log.Warn().Err(err).Str("stream", s.config.Stream).Msg("failed to forward result")
		}
	}
	writeJSON(ctx, fasthttp.StatusOK, resp)
}

func (s *Server) handleReset(ctx *fasthttp.RequestCtx) {
	s.mu.Lock()
	s.model.Reset()
	s.mu.Unlock()

	s.results.Delete(latestKey)
	writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleLearning(ctx *fasthttp.RequestCtx) {
	body := string(ctx.PostBody())
	enabled := gjson.Get(body, "enabled")
	if !gjson.Valid(body) || (enabled.Type != gjson.True && enabled.Type != gjson.False) {
		writeError(ctx, fasthttp.StatusBadRequest, errors.New(`body must be {"enabled": true|false}`))
		return
	}

	s.mu.Lock()
	s.model.SetLearning(enabled.Bool())
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SetLearning(s.config.Stream, enabled.Bool())
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]bool{"learning": enabled.Bool()})
}

func (s *Server) handleLatest(ctx *fasthttp.RequestCtx) {
	v, ok := s.results.Get(latestKey)
	if !ok {
		writeError(ctx, fasthttp.StatusNotFound, errors.New("no recent result"))
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, v)
}

func (s *Server) handleResult(ctx *fasthttp.RequestCtx) {
	raw := string(ctx.QueryArgs().Peek("timestamp"))
	ts, err := stream.ParseTimestamp(raw, s.config.Record.TimeLayouts)
	if err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, err)
		return
	}
	v, ok := s.results.Get(resultKey(ts))
	if !ok {
		writeError(ctx, fasthttp.StatusNotFound, fmt.Errorf("no result for %s", raw))
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, v)
}

func (s *Server) handleStats(ctx *fasthttp.RequestCtx) {
	s.mu.Lock()
	stats := s.model.Stats()
	learning := s.model.Learning()
	s.mu.Unlock()

	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"stream":   s.config.Stream,
		"steps":    stats.Steps,
		"segments": stats.Segments,
		"synapses": stats.Synapses,
		"learning": learning,
	})
}

func (s *Server) handleCheckpoint(ctx *fasthttp.RequestCtx) {
	if s.config.CheckpointPath == "" {
		writeError(ctx, fasthttp.StatusConflict, errors.New("no checkpoint path configured"))
		return
	}
	s.mu.Lock()
	err := s.model.SaveCheckpoint(s.config.CheckpointPath)
	s.mu.Unlock()
	if err != nil {
		writeError(ctx, fasthttp.StatusInternalServerError, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]string{"checkpoint": s.config.CheckpointPath})
}

func (s *Server) response(res model.Result) StepResponse {
	resp := StepResponse{
		Stream:           s.config.Stream,
		Timestamp:        res.Timestamp.Format(time.RFC3339Nano),
		Value:            res.Value,
		AnomalyScore:     res.AnomalyScore,
		RawScore:         res.RawScore,
		Likelihood:       res.Likelihood,
		LogLikelihood:    res.LogLikelihood,
		ActiveColumns:    len(res.ActiveColumns),
		BurstingColumns:  len(res.BurstingColumns),
		PredictedColumns: len(res.PredictedColumns),
	}
	if !math.IsNaN(res.Prediction) {
		p := res.Prediction
		resp.Prediction = &p
	}
	return resp
}

// ListenAndServe - blocks until the server stops
func (s *Server) ListenAndServe() error {
	log.Info().Str("addr", s.config.Addr).Str("stream", s.config.Stream).Msg("http server listening")
	return s.http.ListenAndServe(s.config.Addr)
}

// Shutdown - stop accepting requests and wait for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.ShutdownWithContext(ctx)
}

// resultKey - full precision so records less than a second apart stay distinct
func resultKey(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339Nano)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrOutOfRange):
		return fasthttp.StatusUnprocessableEntity
	case errors.Is(err, core.ErrOutOfOrder):
		return fasthttp.StatusConflict
	default:
		return fasthttp.StatusInternalServerError
	}
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		ctx.Error(err.Error(), fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

func writeError(ctx *fasthttp.RequestCtx, status int, err error) {
	writeJSON(ctx, status, errorResponse{Error: err.Error()})
}
