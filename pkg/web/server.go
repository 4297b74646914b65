package web

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"lumentree/cmd/gateway/config"
	"lumentree/cmd/gateway/options"
	"lumentree/pkg/device"
	"lumentree/pkg/gateway"
	"lumentree/pkg/generic"
)

type Server struct {
	*generic.Server
	*config.Config
}

func NewServer(router *gin.Engine, o *options.Options, config *config.Config) (*Server, error) {
	allowMethods := []string{http.MethodGet, http.MethodDelete, http.MethodPut, http.MethodPatch}

	s := &generic.Server{
		Router:  router,
		Port:    o.Port,
		Methods: allowMethods,
	}

	server := &Server{
		Server: s,
		Config: config,
	}

	server.InstallHandlers()

	return server, nil
}

func (s *Server) InstallHandlers() {
	s.NoMethod()
	v1 := s.Router.Group("/api/v1")
	device.InstallHandler(v1, s.Config.DeviceMgr)
	gateway.InstallHandler(v1, s.Config.GatewayMgr)
}

// Serve listens before returning so a busy port fails startup. The returned
// func stops every device session, then the HTTP server.
func (s *Server) Serve() (func(ctx context.Context), error) {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", s.Addr())
	}

	srv := &http.Server{Handler: s.Router}
	if len(s.Config.CertFile) != 0 && len(s.Config.KeyFile) != 0 {
		x509KeyPair, err := tls.LoadX509KeyPair(s.Config.CertFile, s.Config.KeyFile)
		if err != nil {
			_ = ln.Close()
			return nil, err
		}
		srv.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{x509KeyPair},
		}
		go func() {
			if err := srv.ServeTLS(ln, "", ""); !errors.Is(err, http.ErrServerClosed) {
				klog.ErrorS(err, "HTTPS server stopped")
			}
		}()
	} else {
		go func() {
			if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				klog.ErrorS(err, "HTTP server stopped")
			}
		}()
	}

	return func(ctx context.Context) {
		srv.SetKeepAlivesEnabled(false)
		if err := s.Config.DeviceMgr.Shutdown(ctx); err != nil {
			klog.ErrorS(err, "Failed to stop device manager")
		}
		if err := srv.Shutdown(ctx); err != nil {
			klog.ErrorS(err, "Failed to stop HTTP server")
		}
	}, nil
}

// WatchInitial watches the stored and configured devices. Failures are
// logged, not fatal: the device stays listed in its Failed state.
func (s *Server) WatchInitial(ctx context.Context) {
	if err := s.Config.DeviceMgr.Restore(ctx, s.Config.Devices); err != nil {
		klog.ErrorS(err, "Failed to watch devices at startup")
	}
}
