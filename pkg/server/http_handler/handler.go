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

package http_handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go4.org/netipx"

	"github.com/pmkol/tiercache/pkg/cache"
	"github.com/pmkol/tiercache/pkg/utils"
	"github.com/pmkol/tiercache/pkg/writepolicy"
)

var nopLogger = zap.NewNop()

const (
	// HeaderTier names the tier that answered a GET.
	HeaderTier = "X-Cache-Tier"
	// HeaderFailedTiers lists the tiers a DELETE could not reach.
	HeaderFailedTiers = "X-Cache-Failed-Tiers"

	defaultMaxValueSize = 1 << 20
)

// proxyHeaders are the headers whose first address is used when
// HandlerOpts.SrcIPHeader is one of them.
var proxyHeaders = []string{"True-Client-IP", "X-Real-IP", "X-Forwarded-For"}

// Cache is the hierarchy served by Handler.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, cache.TierID)
	Put(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	Reconcile(ctx context.Context) (int, error)
}

type HandlerOpts struct {
	Cache Cache

	// SrcIPHeader names a header set by a trusted reverse proxy that carries
	// the client address. Empty means the connection address is used.
	SrcIPHeader string

	// Allow restricts the cache endpoints to these client addresses.
	// A nil Allow allows everyone.
	Allow *netipx.IPSet

	// Default is "/health".
	HealthPath string

	// MaxValueSize limits the body of a PUT.
	// Default is 1MiB.
	MaxValueSize int64

	Logger *zap.Logger
}

func (opts *HandlerOpts) Init() error {
	if opts.Cache == nil {
		return errors.New("nil cache")
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if opts.HealthPath == "" {
		opts.HealthPath = "/health"
	}
	utils.SetDefaultNum(&opts.MaxValueSize, defaultMaxValueSize)
	return nil
}

// Handler serves the cache over HTTP:
//
//	GET    /cache/{key}   value, tier in X-Cache-Tier
//	PUT    /cache/{key}   body is the value
//	DELETE /cache/{key}
//	POST   /reconcile     retries writes that are not durable yet
type Handler struct {
	opts HandlerOpts
	mux  *http.ServeMux
}

func NewHandler(opts HandlerOpts) (*Handler, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	h := &Handler{opts: opts, mux: http.NewServeMux()}
	h.mux.HandleFunc("GET /cache/{key...}", h.get)
	h.mux.HandleFunc("HEAD /cache/{key...}", h.get)
	h.mux.HandleFunc("PUT /cache/{key...}", h.put)
	h.mux.HandleFunc("DELETE /cache/{key...}", h.remove)
	h.mux.HandleFunc("POST /reconcile", h.reconcile)
	return h, nil
}

func (h *Handler) warnErr(req *http.Request, err error) {
	h.opts.Logger.Warn(err.Error(), zap.String("from", req.RemoteAddr), zap.String("method", req.Method), zap.String("url", req.RequestURI))
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	// Health check - Fast path
	if req.URL.Path == h.opts.HealthPath {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
		return
	}

	if h.opts.Allow != nil {
		addr, err := getRemoteAddr(req, h.opts.SrcIPHeader)
		if err != nil || !h.opts.Allow.Contains(addr) {
			h.warnErr(req, errors.New("client not allowed"))
			w.WriteHeader(http.StatusForbidden)
			return
		}
	}
	h.mux.ServeHTTP(w, req)
}

func (h *Handler) get(w http.ResponseWriter, req *http.Request) {
	key := req.PathValue("key")
	v, tier := h.opts.Cache.Get(req.Context(), key)
	w.Header().Set(HeaderTier, tier.String())
	if tier == cache.TierNone {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(v)))
	w.WriteHeader(http.StatusOK)
	if req.Method != http.MethodHead {
		_, _ = w.Write(v)
	}
}

func (h *Handler) put(w http.ResponseWriter, req *http.Request) {
	key := req.PathValue("key")
	v, err := io.ReadAll(http.MaxBytesReader(w, req.Body, h.opts.MaxValueSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if err := h.opts.Cache.Put(req.Context(), key, v); err != nil {
		h.warnErr(req, fmt.Errorf("put %q: %w", key, err))
		http.Error(w, err.Error(), statusOf(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) remove(w http.ResponseWriter, req *http.Request) {
	key := req.PathValue("key")
	if err := h.opts.Cache.Remove(req.Context(), key); err != nil {
		h.warnErr(req, fmt.Errorf("remove %q: %w", key, err))
		if failed := cache.FailedTiers(err); len(failed) > 0 {
			names := make([]string, len(failed))
			for i, t := range failed {
				names[i] = t.String()
			}
			w.Header().Set(HeaderFailedTiers, strings.Join(names, ","))
		}
		http.Error(w, err.Error(), statusOf(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type reconcileResponse struct {
	Pending int `json:"pending"`
}

func (h *Handler) reconcile(w http.ResponseWriter, req *http.Request) {
	n, err := h.opts.Cache.Reconcile(req.Context())
	if err != nil {
		h.warnErr(req, fmt.Errorf("reconcile: %w", err))
		http.Error(w, err.Error(), statusOf(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(reconcileResponse{Pending: n})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, cache.ErrDurability),
		errors.Is(err, cache.ErrUnavailable),
		errors.Is(err, cache.ErrClosed),
		errors.Is(err, writepolicy.ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadRequest
	}
}

func getRemoteAddr(req *http.Request, customHeader string) (netip.Addr, error) {
	if customHeader != "" {
		if val := req.Header.Get(customHeader); val != "" {
			// Handle potential list in X-Forwarded-For (take first)
			ipStr := val
			for _, h := range proxyHeaders {
				if strings.EqualFold(customHeader, h) {
					ipStr, _, _ = strings.Cut(val, ",")
					break
				}
			}
			if addr, err := netip.ParseAddr(strings.TrimSpace(ipStr)); err == nil {
				return addr.Unmap(), nil
			}
		}
	}

	// Fallback to direct remote address
	addrport, err := netip.ParseAddrPort(req.RemoteAddr)
	if err != nil {
		return netip.Addr{}, err
	}
	return addrport.Addr().Unmap(), nil
}

// ParseAllowList builds an IPSet from addresses and CIDR prefixes.
// An empty list returns nil, which allows everyone.
func ParseAllowList(entries []string) (*netipx.IPSet, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	var b netipx.IPSetBuilder
	for _, s := range entries {
		s = strings.TrimSpace(s)
		if strings.Contains(s, "/") {
			p, err := netip.ParsePrefix(s)
			if err != nil {
				return nil, fmt.Errorf("invalid prefix %q, %w", s, err)
			}
			b.AddPrefix(p.Masked())
			continue
		}
		a, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q, %w", s, err)
		}
		b.Add(a.Unmap())
	}
	return b.IPSet()
}
