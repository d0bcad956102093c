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
	"crypto/tls"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Editors and cert managers write files in several steps. Reloading waits
// until the files were quiet for this long.
var certReloadDelay = 2 * time.Second

type cert struct {
	ptr atomic.Pointer[tls.Certificate]
}

func (c *cert) get() *tls.Certificate {
	return c.ptr.Load()
}

func (c *cert) set(newCert *tls.Certificate) {
	c.ptr.Store(newCert)
}

// watchCert loads the key pair and reloads it whenever one of the files
// changes. The watcher stops when s is closed.
func (s *Server) watchCert(certFile, keyFile string) (*cert, error) {
	c, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	cc := new(cert)
	cc.set(&c)

	logger := s.opts.Logger
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("failed to create certificate watcher, reload disabled", zap.Error(err))
		return cc, nil
	}
	if ok := s.trackCloser(watcher, true); !ok {
		watcher.Close()
		return nil, ErrServerClosed
	}

	addWatch := func() {
		for _, f := range []string{certFile, keyFile} {
			if err := watcher.Add(f); err != nil {
				logger.Warn("failed to watch certificate file", zap.String("file", f), zap.Error(err))
			}
		}
	}
	addWatch()

	go func() {
		defer s.trackCloser(watcher, false)

		timer := time.NewTimer(s.certReloadDelay)
		timer.Stop()
		defer timer.Stop()
		resetTimer := func() {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.certReloadDelay)
		}

		needReWatch := false
		for {
			select {
			case e, ok := <-watcher.Events:
				if !ok {
					return
				}
				if e.Has(fsnotify.Chmod) && !e.Has(fsnotify.Write) {
					continue
				}
				logger.Debug("certificate file event", zap.String("file", e.Name), zap.Stringer("op", e.Op))
				if e.Has(fsnotify.Remove) || e.Has(fsnotify.Rename) {
					// The file was replaced. The watch is gone with it.
					needReWatch = true
				}
				resetTimer()

			case <-timer.C:
				if needReWatch {
					needReWatch = false
					_ = watcher.Remove(certFile)
					_ = watcher.Remove(keyFile)
					addWatch()
				}
				newCert, err := tls.LoadX509KeyPair(certFile, keyFile)
				if err != nil {
					logger.Error("failed to reload certificate", zap.String("file", certFile), zap.Error(err))
					continue
				}
				cc.set(&newCert)
				logger.Info("certificate reloaded", zap.String("file", certFile))

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("certificate watcher error", zap.Error(err))
			}
		}
	}()
	return cc, nil
}

// CreateTLSListener wraps l with TLS using s.opts.Cert and s.opts.Key.
func (s *Server) CreateTLSListener(l net.Listener, nextProtos []string) (net.Listener, error) {
	if s.opts.Cert == "" || s.opts.Key == "" {
		return nil, errors.New("missing certificate for tls listener")
	}

	c, err := s.watchCert(s.opts.Cert, s.opts.Key)
	if err != nil {
		return nil, err
	}

	return tls.NewListener(l, &tls.Config{
		MinVersion: tls.VersionTLS12,
		NextProtos: nextProtos,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			cert := c.get()
			if cert == nil {
				return nil, errors.New("certificate not available")
			}
			return cert, nil
		},
	}), nil
}
