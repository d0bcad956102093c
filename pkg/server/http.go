/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of tiercache.
 *
 * tiercache is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * tiercache is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package server

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/pires/go-proxyproto"
	"go.uber.org/zap"
)

const (
	// TLS handshake + HTTP headers (Slowloris protection)
	defaultReadHeaderTimeout = 3 * time.Second

	// Bounds body upload plus handler time.
	defaultReadTimeout = 30 * time.Second

	defaultHTTPIdleTimeout = 60 * time.Second
	defaultMaxHeaderBytes  = 8 << 10
)

// ServeHTTP serves s.opts.HTTPHandler on l until l fails or s is closed.
// It always closes l. After Close it returns ErrServerClosed.
func (s *Server) ServeHTTP(l net.Listener) error {
	defer l.Close()

	if s.opts.HTTPHandler == nil {
		return errMissingHTTPHandler
	}

	if s.opts.ProxyProtocol {
		l = &proxyproto.Listener{Listener: l, ReadHeaderTimeout: defaultReadHeaderTimeout}
	}
	if len(s.opts.Cert) > 0 || len(s.opts.Key) > 0 {
		tl, err := s.CreateTLSListener(l, []string{"h2", "http/1.1"})
		if err != nil {
			return err
		}
		l = tl
	}

	idleTimeout := s.opts.IdleTimeout
	if idleTimeout == 0 {
		idleTimeout = defaultHTTPIdleTimeout
	}

	hs := &http.Server{
		Handler:           s.opts.HTTPHandler,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		ReadTimeout:       defaultReadTimeout,
		IdleTimeout:       idleTimeout,
		MaxHeaderBytes:    defaultMaxHeaderBytes,
		ErrorLog:          zap.NewStdLog(s.opts.Logger),
	}
	if ok := s.trackCloser(hs, true); !ok {
		return ErrServerClosed
	}
	defer s.trackCloser(hs, false)

	err := hs.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return ErrServerClosed
	}
	return err
}
