package metrics

import (
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestServer_Listen(t *testing.T) {
	srv := NewServer("127.0.0.1:0")
	srv.RegisterHandler("/fake", http.HandlerFunc(fakeHandler))

	require.Nil(t, srv.GetAddr())
	require.NoError(t, srv.Listen())

	defer srv.Stop()

	res, err := http.Get("http://" + srv.GetAddr().String() + "/fake")
	require.NoError(t, err)

	output, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	require.NoError(t, res.Body.Close())

	require.Equal(t, "hello", string(output))
	require.NotEmpty(t, res.Header.Get("X-Request-Id"))
}

func TestServer_RequestID(t *testing.T) {
	srv := NewServer("127.0.0.1:0")
	srv.RegisterHandler("/fake", http.HandlerFunc(fakeHandler))

	require.NoError(t, srv.Listen())

	defer srv.Stop()

	req, err := http.NewRequest(http.MethodGet, "http://"+srv.GetAddr().String()+"/fake", nil)
	require.NoError(t, err)

	req.Header.Set("X-Request-Id", "abc")

	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.NoError(t, res.Body.Close())

	require.Equal(t, "abc", res.Header.Get("X-Request-Id"))
}

func TestServer_ListenTwice(t *testing.T) {
	srv := NewServer("127.0.0.1:0")
	require.NoError(t, srv.Listen())

	err := srv.Listen()
	require.EqualError(t, err, "server is already listening")

	require.NoError(t, srv.Stop())
	require.Nil(t, srv.GetAddr())

	// Stopping a stopped server is a no-op.
	require.NoError(t, srv.Stop())
}

func TestServer_BadAddr(t *testing.T) {
	srv := NewServer("bad://xx")

	err := srv.Listen()
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to listen on 'bad://xx': ")
}

// -----------------------------------------------------------------------------
// Utility functions

func fakeHandler(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("hello"))
}
