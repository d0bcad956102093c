package server

import (
	"bufio"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var echoAddr = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	_, _ = io.WriteString(w, r.RemoteAddr)
})

func serve(t *testing.T, opts ServerOpts) (string, *Server, chan error) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := NewServer(opts)
	errc := make(chan error, 1)
	go func() { errc <- s.ServeHTTP(l) }()
	t.Cleanup(s.Close)
	return l.Addr().String(), s, errc
}

func TestServer_ServeHTTP(t *testing.T) {
	addr, s, errc := serve(t, ServerOpts{HTTPHandler: echoAddr})

	var resp *http.Response
	require.Eventually(t, func() bool {
		var err error
		resp, err = http.Get("http://" + addr + "/")
		return err == nil
	}, time.Second, 10*time.Millisecond)
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(b), "127.0.0.1:")

	s.Close()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrServerClosed)
	case <-time.After(time.Second):
		t.Fatal("server did not exit")
	}
	assert.True(t, s.Closed())
}

func TestServer_missingHandler(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.ErrorIs(t, NewServer(ServerOpts{}).ServeHTTP(l), errMissingHTTPHandler)
}

func TestServer_proxyProtocol(t *testing.T) {
	addr, _, _ := serve(t, ServerOpts{HTTPHandler: echoAddr, ProxyProtocol: true})

	var c net.Conn
	require.Eventually(t, func() bool {
		var err error
		c, err = net.Dial("tcp", addr)
		return err == nil
	}, time.Second, 10*time.Millisecond)
	defer c.Close()

	_, err := io.WriteString(c, "PROXY TCP4 10.1.2.3 127.0.0.1 5555 80\r\n"+
		"GET / HTTP/1.1\r\nHost: tiercache\r\nConnection: close\r\n\r\n")
	require.NoError(t, err)
	resp, err := http.ReadResponse(bufio.NewReader(c), nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "10.1.2.3:5555", string(b))
}

func writeCert(t *testing.T, certFile, keyFile string, serial int64) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: "tiercache"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0600))
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0600))
}

func TestServer_tlsReload(t *testing.T) {
	certReloadDelay = 20 * time.Millisecond
	defer func() { certReloadDelay = 2 * time.Second }()

	dir := t.TempDir()
	certFile, keyFile := filepath.Join(dir, "cert.pem"), filepath.Join(dir, "key.pem")
	writeCert(t, certFile, keyFile, 1)

	addr, _, _ := serve(t, ServerOpts{HTTPHandler: echoAddr, Cert: certFile, Key: keyFile})

	serial := func() int64 {
		c, err := tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: true})
		if err != nil {
			return 0
		}
		defer c.Close()
		return c.ConnectionState().PeerCertificates[0].SerialNumber.Int64()
	}
	require.Eventually(t, func() bool { return serial() == 1 }, time.Second, 10*time.Millisecond)

	writeCert(t, certFile, keyFile, 2)
	assert.Eventually(t, func() bool { return serial() == 2 }, 5*time.Second, 20*time.Millisecond)
}

func TestServer_badCert(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := NewServer(ServerOpts{HTTPHandler: echoAddr, Cert: "/nonexistent/cert.pem", Key: "/nonexistent/key.pem"})
	assert.Error(t, s.ServeHTTP(l))
}
