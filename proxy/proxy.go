// Package proxy builds a jobserver.Server whose pool is not fixed: tokens
// are grown on demand from an upstream jobserver.Client and shrunk back to
// it opportunistically, presenting a normal Server face to any number of
// downstream children (spec.md §4.5).
package proxy

import (
	"context"

	"github.com/sirupsen/logrus"

	"jobserver"
)

// growShrinkPool is the jobserver.PoolSource a Proxy's Server is built
// with. It keeps the byte identity of every token it currently holds from
// upstream, so shrinking never fabricates a return value: the exact bytes
// handed out by the upstream Client are the exact bytes handed back.
type growShrinkPool struct {
	client *jobserver.Client
	log    logrus.FieldLogger

	// token2bytes remembers which upstream byte backs each local token
	// id, so Shrink can return precisely that byte rather than any free
	// byte lying around.
	token2bytes map[jobserver.Token][]byte
}

// Acquire asks the upstream Client for one more token. It never blocks
// beyond the Client's own bounded read (~100ms); if none is available
// right now the grant is simply deferred to the next poll cycle, exactly
// as a fixed pool defers a grant when it is empty.
func (g *growShrinkPool) Acquire(hint jobserver.Token) (jobserver.Token, bool) {
	b, err := g.client.GetToken(context.Background())
	if err != nil {
		g.log.WithError(err).Warn("proxy: upstream GetToken failed")
		return 0, false
	}
	if b == nil {
		return 0, false
	}
	g.token2bytes[hint] = b
	return hint, true
}

// Shrink returns idle tokens upstream, but keeps one spare in the local
// pool whenever there's more than one sitting free (spec.md §4.5: "if
// more than one token sits free in the pool, return all but one to the
// upstream client... keeping one spare smooths demand"). A token whose
// upstream return fails (a transient write error) is kept local and
// retried on the next cycle rather than dropped.
func (g *growShrinkPool) Shrink(free []jobserver.Token) []jobserver.Token {
	if len(free) <= 1 {
		return free
	}
	spare, rest := free[0], free[1:]
	kept := append(free[:0:0], spare)
	for _, tok := range rest {
		b, ok := g.token2bytes[tok]
		if !ok {
			// Not one of ours to begin with (shouldn't happen for an
			// empty-start pool, but a fixed-style caller could in
			// principle share this source); leave it as free.
			kept = append(kept, tok)
			continue
		}
		if err := g.client.ReturnToken(b); err != nil {
			g.log.WithError(err).Warn("proxy: upstream ReturnToken failed, retrying next cycle")
			kept = append(kept, tok)
			continue
		}
		delete(g.token2bytes, tok)
	}
	return kept
}

// Release returns every remaining free token upstream with no spare kept
// back, per spec.md §4.5's cleanup rule ("shrink down to zero and
// release the upstream client"). Called once, by Server.Close, after
// every child has already been torn down.
func (g *growShrinkPool) Release(free []jobserver.Token) []jobserver.Token {
	var kept []jobserver.Token
	for _, tok := range free {
		b, ok := g.token2bytes[tok]
		if !ok {
			kept = append(kept, tok)
			continue
		}
		if err := g.client.ReturnToken(b); err != nil {
			g.log.WithError(err).Warn("proxy: upstream ReturnToken failed during release")
			kept = append(kept, tok)
			continue
		}
		delete(g.token2bytes, tok)
	}
	return kept
}

// Proxy is a jobserver.Server whose pool is backed by an upstream Client
// instead of a fixed count. It embeds *jobserver.Server so it can be used
// anywhere a Server is expected (CreateClient, Poll, CleanupClient, Flags);
// Close is overridden to also settle accounts with the upstream Client.
type Proxy struct {
	*jobserver.Server
	client   *jobserver.Client
	ownToken []byte
}

// New builds a Proxy whose downstream pool starts empty and grows from,
// and shrinks back to, client. logger may be nil.
//
// The Proxy process is itself a participant in the build tree and so, like
// any other, is owed one implicit token for its own primary work the
// moment it is constructed (spec.md glossary: "the one free permission
// every process inherits from its parent"). New claims that token up front
// and holds it for the Proxy's lifetime rather than handing it to whichever
// downstream child happens to ask first: growShrinkPool's Acquire calls
// only ever observe genuine pipe reads after this point, so the bytes a
// Proxy lends out and later returns upstream are always real upstream
// grant bytes, never the implicit sentinel.
func New(client *jobserver.Client, logger logrus.FieldLogger) (*Proxy, error) {
	if logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.InfoLevel)
		logger = l
	}

	own, err := client.GetToken(context.Background())
	if err != nil {
		return nil, err
	}

	source := &growShrinkPool{
		client:      client,
		log:         logger,
		token2bytes: make(map[jobserver.Token][]byte),
	}
	s, err := jobserver.NewServerWithSource(0, source, logger)
	if err != nil {
		return nil, err
	}
	return &Proxy{Server: s, client: client, ownToken: own}, nil
}

// Close returns the Proxy's own implicit token and closes the upstream
// Client, in addition to the embedded Server's usual child teardown.
func (p *Proxy) Close() error {
	serr := p.Server.Close()
	if p.ownToken != nil {
		_ = p.client.ReturnToken(p.ownToken)
	}
	cerr := p.client.Cleanup()
	if serr != nil {
		return serr
	}
	return cerr
}
