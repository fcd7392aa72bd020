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
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorse-io/nextpick/common/log"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

// Serve runs the API server and, on a separate port, the metrics server until the context is
// canceled or a listener fails. Pending prediction logs are flushed before returning.
func (s *Server) Serve(ctx context.Context) error {
	if s.cache != nil {
		go s.cache.Start()
		defer s.cache.Stop()
	}
	cfg := s.Config.Server
	servers := []*http.Server{{
		Addr:    net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler: s.CreateContainer(),
	}}
	if cfg.MetricsPort > 0 && cfg.MetricsPort != cfg.Port {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		servers = append(servers, &http.Server{
			Addr:    net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.MetricsPort)),
			Handler: mux,
		})
	}

	errs := make(chan error, len(servers))
	for _, server := range servers {
		log.Logger().Info("start http server", zap.String("url", "http://"+server.Addr))
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- errors.Annotatef(err, "listen on %s", server.Addr)
			}
		}()
	}
	var err error
	select {
	case <-ctx.Done():
	case err = <-errs:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, server := range servers {
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Logger().Error("failed to shutdown http server", zap.String("addr", server.Addr), zap.Error(err))
		}
	}
	if err := s.PredLog.Close(); err != nil {
		log.Logger().Error("failed to close prediction log", zap.Error(err))
	}
	return err
}
