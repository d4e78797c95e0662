//go:build linux

package jobserver

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestPipePair returns (readFd, writeFd) of a fresh OS pipe, along with
// the *os.File handles the test keeps open to write/read the other side.
func newTestPipePair(t *testing.T) (fds PassFDs, serverWrite, serverRead *os.File) {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { r.Close(); w.Close() })

	// The Client reads from r's fd and writes to a second pipe's write
	// end; the "server" side of the test holds the opposite ends.
	r2, w2, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { r2.Close(); w2.Close() })

	return PassFDs{Read: int(r.Fd()), Write: int(w2.Fd())}, w, r2
}

func TestClientImplicitTokenFirst(t *testing.T) {
	fds, _, _ := newTestPipePair(t)
	c, err := NewClient(fds)
	require.NoError(t, err)
	defer c.Close()

	tok, err := c.GetToken(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, tok)
	assert.Len(t, tok, 0)
}

func TestClientGetTokenFromPipe(t *testing.T) {
	fds, serverWrite, _ := newTestPipePair(t)
	c, err := NewClient(fds)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.GetToken(context.Background()) // consume the implicit token
	require.NoError(t, err)

	_, err = serverWrite.Write([]byte{'+'})
	require.NoError(t, err)

	tok, err := c.GetToken(context.Background())
	require.NoError(t, err)
	require.Len(t, tok, 1)
	assert.Equal(t, byte('+'), tok[0])
}

func TestClientGetTokenTimesOutWhenEmpty(t *testing.T) {
	fds, _, _ := newTestPipePair(t)
	c, err := NewClient(fds)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.GetToken(context.Background()) // implicit token
	require.NoError(t, err)

	tok, err := c.GetToken(context.Background())
	require.NoError(t, err)
	assert.Nil(t, tok, "no byte pending, bounded read should time out to nil")
}

func TestClientReturnTokenRoundTrip(t *testing.T) {
	fds, serverWrite, serverRead := newTestPipePair(t)
	c, err := NewClient(fds)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.GetToken(context.Background()) // implicit
	require.NoError(t, err)
	_, err = serverWrite.Write([]byte{'z'})
	require.NoError(t, err)
	tok, err := c.GetToken(context.Background())
	require.NoError(t, err)
	require.Len(t, tok, 1)

	require.NoError(t, c.ReturnToken(tok))

	var buf [1]byte
	n, err := serverRead.Read(buf[:])
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, byte('z'), buf[0])
}

func TestClientReturnImplicitTokenDoesNotWrite(t *testing.T) {
	fds, _, _ := newTestPipePair(t)
	c, err := NewClient(fds)
	require.NoError(t, err)
	defer c.Close()

	tok, err := c.GetToken(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.ReturnToken(tok))
	assert.Len(t, c.ledger, 0)
}

func TestClientReturnUnknownTokenFails(t *testing.T) {
	fds, _, _ := newTestPipePair(t)
	c, err := NewClient(fds)
	require.NoError(t, err)
	defer c.Close()

	err = c.ReturnToken([]byte{'x'})
	require.Error(t, err)
	var perr *ProtocolError
	assert.ErrorAs(t, err, &perr)
}

func TestNewClientRejectsLowFDs(t *testing.T) {
	_, err := NewClient(PassFDs{Read: 0, Write: 1})
	require.Error(t, err)
	var cerr *ConfigError
	assert.ErrorAs(t, err, &cerr)
}
