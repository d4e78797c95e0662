//go:build linux

package proxy

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobserver"
)

// upstreamFixture builds a real jobserver.Client backed by a pipe pair the
// test controls directly, standing in for "a fake upstream Client that
// vends bytes 'A', 'B'" (spec.md §8 scenario 6) without needing an
// interface seam jobserver.Client doesn't have.
type upstreamFixture struct {
	client     *jobserver.Client
	toClient   *os.File // test writes grants the Client will read
	fromClient *os.File // test reads tokens the Client returns
}

func newUpstreamFixture(t *testing.T) *upstreamFixture {
	t.Helper()
	toClientR, toClientW, err := os.Pipe()
	require.NoError(t, err)
	fromClientR, fromClientW, err := os.Pipe()
	require.NoError(t, err)

	c, err := jobserver.NewClient(jobserver.PassFDs{
		Read:  int(toClientR.Fd()),
		Write: int(fromClientW.Fd()),
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		toClientW.Close()
		fromClientR.Close()
	})

	return &upstreamFixture{client: c, toClient: toClientW, fromClient: fromClientR}
}

// TestProxyPassThrough covers spec.md §8 scenario 6: two downstream
// children each receive one token; cleanup folds both back into the
// local free pool, and Shrink's one-spare hysteresis (spec.md §4.5)
// means only one of the two bytes goes upstream on that cycle, with the
// second following once the spare is itself given up at Close. No byte
// is ever fabricated: exactly 'A' and 'B' come back, in some order.
func TestProxyPassThrough(t *testing.T) {
	up := newUpstreamFixture(t)

	// Prime the pipe with the two real upstream bytes the two downstream
	// grants will consume. New() claims the Client's implicit token for
	// the Proxy's own bookkeeping before either of these is read, so both
	// 'A' and 'B' go to the two downstream children, not to the Proxy
	// itself.
	_, err := up.toClient.Write([]byte{'A', 'B'})
	require.NoError(t, err)

	s, err := New(up.client, nil)
	require.NoError(t, err)

	id1, files1, err := s.CreateClient()
	require.NoError(t, err)
	defer files1.Read.Close()
	defer files1.Write.Close()

	id2, files2, err := s.CreateClient()
	require.NoError(t, err)
	defer files2.Read.Close()
	defer files2.Write.Close()

	_, err = s.Poll(200)
	require.NoError(t, err)

	var b1, b2 [1]byte
	_, err = files1.Read.Read(b1[:])
	require.NoError(t, err)
	_, err = files2.Read.Read(b2[:])
	require.NoError(t, err)

	require.NoError(t, s.CleanupClient(id1, true))
	require.NoError(t, s.CleanupClient(id2, true))

	// Cleanup folds both tokens into the free pool; the next Poll cycle
	// runs the Shrink hook, which keeps one spare and returns only the
	// other upstream.
	_, err = s.Poll(200)
	require.NoError(t, err)

	got := map[byte]bool{}
	var ub [1]byte
	n, err := up.fromClient.Read(ub[:])
	require.NoError(t, err)
	require.Equal(t, 1, n)
	got[ub[0]] = true

	assert.Equal(t, 1, len(got), "exactly one byte should have returned upstream this cycle, the spare kept local")

	// Close gives up the spare token it had been holding, plus the
	// Proxy's own implicit token; the second of 'A'/'B' surfaces here.
	require.NoError(t, s.Close())
	n, err = up.fromClient.Read(ub[:])
	require.NoError(t, err)
	require.Equal(t, 1, n)
	got[ub[0]] = true

	assert.True(t, got['A'], "byte A should have been returned upstream")
	assert.True(t, got['B'], "byte B should have been returned upstream")
}
