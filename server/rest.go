// Copyright 2025 gorse Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"fmt"
	"net/http"
	"time"

	restfulspec "github.com/emicklei/go-restful-openapi/v2"
	"github.com/emicklei/go-restful/v3"
	"github.com/google/uuid"
	"github.com/gorse-io/nextpick/common/log"
	"github.com/gorse-io/nextpick/config"
	"github.com/gorse-io/nextpick/model"
	"github.com/gorse-io/nextpick/pipeline"
	"github.com/gorse-io/nextpick/storage/predlog"
	"github.com/gorse-io/nextpick/storage/table"
	"github.com/jellydator/ttlcache/v3"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"
	"go.opentelemetry.io/contrib/instrumentation/github.com/emicklei/go-restful/otelrestful"
	"go.uber.org/zap"
)

const (
	RequestIDHeader    = "X-Request-ID"
	predictionLogLimit = 5 * time.Second
)

// cacheKey binds a response to the models generation that produced it.
type cacheKey struct {
	Models *Models
	UserId string
	TopK   int
}

// Server answers recommendation requests from the loaded models.
type Server struct {
	Config *config.Config
	Collab pipeline.Artifact
	Ranker pipeline.Artifact
	// Table and HistoryPath locate the interactions the ranker derives features from.
	Table       *table.Table
	HistoryPath string
	Models      ModelHolder
	PredLog     *predlog.Async

	cache *ttlcache.Cache[cacheKey, []Prediction]
}

// NewServer creates a server without models. Call Reload to load them.
func NewServer(cfg *config.Config, collab, ranker pipeline.Artifact, logger predlog.Logger) *Server {
	s := &Server{
		Config:  cfg,
		Collab:  collab,
		Ranker:  ranker,
		PredLog: predlog.NewAsync(logger, predictionLogLimit),
	}
	s.PredLog.OnError(func(error) {
		PredictionLogErrorsTotal.Inc()
	})
	if cfg.Server.CacheTTL > 0 {
		s.cache = ttlcache.New(ttlcache.WithTTL[cacheKey, []Prediction](cfg.Server.CacheTTL))
	}
	return s
}

type RecommendRequest struct {
	UserId string `json:"user_id"`
	TopK   *int   `json:"top_k,omitempty"`
}

type RecommendResponse struct {
	UserId      string       `json:"user_id"`
	Predictions []Prediction `json:"predictions"`
}

type HealthStatus struct {
	Ready    bool   `json:"ready"`
	Strategy string `json:"strategy,omitempty"`
	NumItems int    `json:"n_items"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// CreateWebService creates the recommendation API.
func (s *Server) CreateWebService() *restful.WebService {
	ws := new(restful.WebService)
	ws.Consumes(restful.MIME_JSON).Produces(restful.MIME_JSON)
	ws.Path("/api/")
	ws.Filter(RequestIDFilter)
	ws.Filter(LogFilter)
	ws.Filter(MetricsFilter)

	ws.Route(ws.GET("/health/live").To(s.checkLive).
		Doc("Probe whether the server is alive.").
		Metadata(restfulspec.KeyOpenAPITags, []string{"health"}).
		Returns(http.StatusOK, "OK", HealthStatus{}).
		Writes(HealthStatus{}))
	ws.Route(ws.GET("/health/ready").To(s.checkReady).
		Doc("Probe whether a collaborative model is loaded.").
		Metadata(restfulspec.KeyOpenAPITags, []string{"health"}).
		Returns(http.StatusOK, "OK", HealthStatus{}).
		Returns(http.StatusServiceUnavailable, "no model", ErrorResponse{}).
		Writes(HealthStatus{}))
	ws.Route(ws.POST("/recommend").To(s.recommend).
		Doc("Recommend items for a user.").
		Metadata(restfulspec.KeyOpenAPITags, []string{"recommendation"}).
		Reads(RecommendRequest{}).
		Returns(http.StatusOK, "OK", RecommendResponse{}).
		Returns(http.StatusBadRequest, "malformed request", ErrorResponse{}).
		Returns(http.StatusNotFound, "unknown user", ErrorResponse{}).
		Returns(http.StatusServiceUnavailable, "no model", ErrorResponse{}).
		Writes(RecommendResponse{}))
	ws.Route(ws.POST("/reload").To(s.reload).
		Doc("Reload models from the model directory.").
		Metadata(restfulspec.KeyOpenAPITags, []string{"model"}).
		Returns(http.StatusOK, "OK", HealthStatus{}).
		Writes(HealthStatus{}))
	return ws
}

// CreateContainer assembles the API, its OpenAPI document and the metrics endpoint.
func (s *Server) CreateContainer() *restful.Container {
	container := restful.NewContainer()
	container.Filter(otelrestful.OTelFilter("nextpick"))
	container.Add(s.CreateWebService())
	specConfig := restfulspec.Config{
		WebServices: container.RegisteredWebServices(),
		APIPath:     "/apidocs.json",
	}
	container.Add(restfulspec.NewOpenAPIService(specConfig))
	container.Handle("/metrics", promhttp.Handler())
	return container
}

// RequestIDFilter propagates the request id or assigns a new one.
func RequestIDFilter(req *restful.Request, resp *restful.Response, chain *restful.FilterChain) {
	requestId := req.HeaderParameter(RequestIDHeader)
	if requestId == "" {
		requestId = uuid.NewString()
	}
	resp.Header().Set(RequestIDHeader, requestId)
	chain.ProcessFilter(req, resp)
}

func LogFilter(req *restful.Request, resp *restful.Response, chain *restful.FilterChain) {
	start := time.Now()
	chain.ProcessFilter(req, resp)
	log.ResponseLogger(resp).Info(fmt.Sprintf("%s %s", req.Request.Method, req.Request.URL),
		zap.Int("status_code", resp.StatusCode()),
		zap.Duration("latency", time.Since(start)))
}

func MetricsFilter(req *restful.Request, resp *restful.Response, chain *restful.FilterChain) {
	start := time.Now()
	chain.ProcessFilter(req, resp)
	endpoint := req.SelectedRoutePath()
	APIRequestsTotal.WithLabelValues(endpoint).Inc()
	APILatencySeconds.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

func (s *Server) status() HealthStatus {
	models := s.Models.Get()
	status := HealthStatus{Ready: s.Models.Ready(), NumItems: models.NumItems()}
	if status.Ready {
		status.Strategy = models.Strategy.String()
	}
	return status
}

func (s *Server) checkLive(_ *restful.Request, response *restful.Response) {
	Ok(response, s.status())
}

func (s *Server) checkReady(_ *restful.Request, response *restful.Response) {
	if !s.Models.Ready() {
		ServiceUnavailable(response, ErrModelUnavailable)
		return
	}
	Ok(response, s.status())
}

func (s *Server) recommend(request *restful.Request, response *restful.Response) {
	var req RecommendRequest
	if err := request.ReadEntity(&req); err != nil {
		BadRequest(response, err)
		return
	}
	if req.UserId == "" {
		BadRequest(response, errors.NotValidf("empty user_id"))
		return
	}
	topK := s.Config.Server.DefaultTopK
	if req.TopK != nil {
		if *req.TopK <= 0 {
			BadRequest(response, errors.NotValidf("top_k %d", *req.TopK))
			return
		}
		topK = *req.TopK
	}
	predictions, err := s.Recommend(req.UserId, topK)
	if err != nil {
		switch {
		case errors.Is(err, ErrModelUnavailable):
			ServiceUnavailable(response, ErrModelUnavailable)
		case model.IsNotFoundError(err):
			PageNotFound(response, err)
		default:
			InternalServerError(response, err)
		}
		return
	}
	s.logPredictions(req.UserId, predictions)
	Ok(response, RecommendResponse{UserId: req.UserId, Predictions: predictions})
}

// Recommend returns the top-k predictions for a user, consulting the response cache first. Cached
// responses are only served while the models that computed them are current.
func (s *Server) Recommend(userId string, topK int) ([]Prediction, error) {
	models := s.Models.Get()
	key := cacheKey{Models: models, UserId: userId, TopK: topK}
	if s.cache != nil {
		if item := s.cache.Get(key); item != nil {
			return item.Value(), nil
		}
	}
	predictions, err := models.Recommend(userId, topK, s.Config.Server.CandidatePool)
	if err != nil {
		return nil, err
	}
	if len(predictions) == 0 {
		return nil, errors.NotFoundf("candidates for user %s", userId)
	}
	if s.cache != nil {
		s.cache.Set(key, predictions, ttlcache.DefaultTTL)
	}
	return predictions, nil
}

func (s *Server) logPredictions(userId string, predictions []Prediction) {
	now := time.Now()
	s.PredLog.Log(lo.Map(predictions, func(p Prediction, _ int) predlog.Prediction {
		return predlog.Prediction{
			UserId:       userId,
			ItemId:       p.ItemId,
			Score:        p.Score,
			ModelVersion: s.Config.Server.ModelVersion,
			CreatedAt:    now,
		}
	}))
}

func (s *Server) reload(request *restful.Request, response *restful.Response) {
	if _, err := s.Reload(request.Request.Context()); err != nil {
		InternalServerError(response, err)
		return
	}
	Ok(response, s.status())
}

func writeError(response *restful.Response, status int, err error) {
	if err := response.WriteHeaderAndJson(status, ErrorResponse{Error: err.Error()}, restful.MIME_JSON); err != nil {
		log.ResponseLogger(response).Error("failed to write error", zap.Error(err))
	}
}

// BadRequest returns a bad request error.
func BadRequest(response *restful.Response, err error) {
	log.ResponseLogger(response).Warn("bad request", zap.Error(err))
	writeError(response, http.StatusBadRequest, err)
}

// PageNotFound returns a not found error.
func PageNotFound(response *restful.Response, err error) {
	writeError(response, http.StatusNotFound, err)
}

// ServiceUnavailable returns a service unavailable error.
func ServiceUnavailable(response *restful.Response, err error) {
	writeError(response, http.StatusServiceUnavailable, err)
}

// InternalServerError returns a internal server error.
func InternalServerError(response *restful.Response, err error) {
	log.ResponseLogger(response).Error("internal server error", zap.Error(err))
	writeError(response, http.StatusInternalServerError, err)
}

// Ok sends the content as JSON to the client.
func Ok(response *restful.Response, content any) {
	if err := response.WriteAsJson(content); err != nil {
		log.ResponseLogger(response).Error("failed to write json", zap.Error(err))
	}
}
