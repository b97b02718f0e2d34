package uotel

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

const testCert = `-----BEGIN CERTIFICATE-----
MIIDLjCCAhagAwIBAgIOfxYG/VG/dh8jgFfwzUQwDQYJKoZIhvcNAQELBQAwJTEj
MCEGA1UEAxMab3RlbC1jb2xsZWN0b3IuYzEuaW50ZXJuYWwwHhcNMjUwMzI1MDIw
MjI1WhcNMzUwMzIzMDIwMjI1WjAlMSMwIQYDVQQDExpvdGVsLWNvbGxlY3Rvci5j
MS5pbnRlcm5hbDCCASIwDQYJKoZIhvcNAQEBBQADggEPADCCAQoCggEBALFvWVtd
JbzW2EM7+YK/4/YjQn9YC2czYaIs0mnJwq9plj1NXcZ1Hy/36ShfklzslNTARYRB
gxdloSo993Ig/xoPXndrc3G2/MfVNdr5So/x5CC6qJGbDflbiaC4iaK243UmowCX
wq+KmajKtPY7IBlg4jE4sJFvbQxNllyX2KNgDyFrdj7rwMq6zcdf7q+fbt0xXqQ+
QD0wF39/nvWqCO1udj0k58QejvRyP4/W0Qy8IIyF4jlGNU3aSENrskXHk83YRR4o
6Bqne8WZurRdNJ1ALt7moK11fjfcAWZNvzD65waLK5YtlOCG08q6kRaPnsXxJB6u
e+MQTDEBbOrUD/8CAwEAAaNcMFowDgYDVR0PAQH/BAQDAgWgMBMGA1UdJQQMMAoG
CCsGAQUFBwMBMAwGA1UdEwEB/wQCMAAwJQYDVR0RBB4wHIIab3RlbC1jb2xsZWN0
b3IuYzEuaW50ZXJuYWwwDQYJKoZIhvcNAQELBQADggEBACpIfWsWO8zd9UyWNQyz
RkH1CAY8p1Vnnl6qQdxLnt27OlksKCnXyFg14vp2JBhSTeq9xms+CWOFgtZSg/2c
zmz/VaGjA7gubV+9paDjhIr8k+geVYiKTYxmt+HjLT7Iz4FJPbXsnEuU7rEbB4U2
dK/JRQ0SBnFFBzkheUsPjzpezA1SD6TBPMIV/GTEH0Qf46fKIEFVKwZ5dvrWPTsk
P3ZnXkZhWMzLtF+hffj8esMizUAHDLE/RScPGKCd/TTnMN2xo7zXpy3QGSXClMCb
+KwmoYwi+OjqnZsyXXb9UR86mWsgCt6JAIDFuTE8LARN3QLvmT+PFoDniQwC8U8R
hFE=
-----END CERTIFICATE-----`

func TestGetTLSConfig(t *testing.T) {
	encoded := base64.RawURLEncoding.EncodeToString([]byte(testCert))
	cfg, err := getTLSConfig("", encoded)
	require.NoError(t, err)
	require.NotNil(t, cfg.RootCAs)

	path := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(path, []byte(testCert), 0o600))
	cfg, err = getTLSConfig(path, "")
	require.NoError(t, err)
	require.NotNil(t, cfg.RootCAs)

	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM([]byte(testCert)))

	_, err = getTLSConfig(path, encoded)
	require.ErrorContains(t, err, "mutually exclusive")

	_, err = getTLSConfig("", "!!not base64!!")
	require.ErrorContains(t, err, "decode base64")

	_, err = getTLSConfig("", base64.RawURLEncoding.EncodeToString([]byte("not a pem")))
	require.ErrorContains(t, err, "parse TLS certificate")

	_, err = getTLSConfig(filepath.Join(t.TempDir(), "missing.pem"), "")
	require.ErrorContains(t, err, "read TLS certificate file")
}

func TestGetConnection_Reuse(t *testing.T) {
	c := newConfig(WithInsecureOtelEndpoint("localhost:4317"))
	a, err := c.getConnection()
	require.NoError(t, err)
	b, err := c.getConnection()
	require.NoError(t, err)
	require.Same(t, a, b)
	require.NoError(t, c.Close(context.Background()))

	c = newConfig(WithOtelEndpoint("localhost:4317", "a", "b"))
	_, err = c.getConnection()
	require.ErrorContains(t, err, "mutually exclusive")
}

func TestInitOtel_NoEndpoint(t *testing.T) {
	ctx := context.Background()
	got, shutdown, err := InitOtel(ctx, WithServiceName("test"))
	require.NoError(t, err)
	require.Equal(t, ctx, got)
	require.NoError(t, shutdown(ctx))
}

func TestInitOtel_MetricsFile(t *testing.T) {
	prev := otel.GetMeterProvider()
	t.Cleanup(func() { otel.SetMeterProvider(prev) })

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "metrics.json")
	_, shutdown, err := InitOtel(ctx, WithServiceName("test"), WithServiceVersion("v0.0.1"), WithMetricsFile(path, time.Hour))
	require.NoError(t, err)

	counter, err := otel.GetMeterProvider().Meter("test").Int64Counter("test_counter")
	require.NoError(t, err)
	counter.Add(ctx, 3)

	// shutdown exports what was recorded
	require.NoError(t, shutdown(ctx))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(b), "test_counter")
}

func TestInitOtel_BadMetricsFile(t *testing.T) {
	_, _, err := InitOtel(context.Background(), WithMetricsFile(filepath.Join(t.TempDir(), "missing", "metrics.json"), 0))
	require.ErrorContains(t, err, "failed to open metrics file")
}
