package jobserver

import "os"

// Token is an opaque identifier for one unit of parallelism permission. It
// is a small non-negative integer inside this process; on the wire it
// always travels as a single arbitrary byte, chosen by whoever owns the
// pool (see Client, which keeps a byte ledger to stay wire-faithful).
type Token int

// ChildID identifies a registered child for the lifetime between
// CreateClient and CleanupClient. It is numerically the fd of the child's
// returnPipe, which is stable until cleanup closes it.
type ChildID int

// PassFiles are the two *os.File values a caller must hand to the spawned
// child (e.g. via exec.Cmd.ExtraFiles) so the child inherits them, and then
// close in the parent once the child has started.
type PassFiles struct {
	Read  *os.File // read end of the parent-to-child pipe
	Write *os.File // write end of the child-to-parent pipe
}

// PassFDs is the numeric (read, write) descriptor pair as it will appear
// inside the spawned child, used to build the --jobserver-fds=R,W fragment
// via Flags. These are almost never the same numbers as PassFiles' Read
// and Write fds in the parent: os/exec.Cmd.ExtraFiles renumbers inherited
// files starting at fd 3 in the child (see ChildFDsForExtraFiles).
type PassFDs struct {
	Read  int
	Write int
}

// ChildFDsForExtraFiles computes the PassFDs a child will see its
// inherited pipe ends under, given that files.Read and files.Write are
// appended to cmd.ExtraFiles after existingExtraFiles other entries.
// os/exec documents that "if non-nil, entry i becomes file descriptor
// 3+i" in the child (stdin/stdout/stderr occupy 0-2), which is what this
// computes.
func ChildFDsForExtraFiles(existingExtraFiles int) PassFDs {
	base := 3 + existingExtraFiles
	return PassFDs{Read: base, Write: base + 1}
}

// child is the parent-side bookkeeping record for one registered child.
type child struct {
	id ChildID

	returnPipe *os.File // read end of c2p; parent receives returns here
	grantPipe  *os.File // write end of p2c; parent issues grants here
	drainPipe  *os.File // duplicated read end of p2c; used only at cleanup

	// tokens is FIFO: index 0 is the token returned next, matching the
	// order grants were issued in (spec §4.4: "Reclaim
	// child2tokens[child][0] (FIFO)").
	tokens []Token
}

// pool tracks free token ids plus the assignment maps, and enforces the
// three invariants from spec.md §3:
//
//	(a) free ∪ ⋃assigned = full id range, disjoint
//	(b) token2child[t] == c  iff  t ∈ child2tokens[c]
//	(c) |child2tokens[c]| <= grant bytes actually written to c
//
// (c) is enforced by construction: assign() is only ever called once per
// grant byte written, in server.go.
type pool struct {
	free        []Token
	token2child map[Token]ChildID
}

func newPool(n int) *pool {
	free := make([]Token, n)
	for i := range free {
		free[i] = Token(i)
	}
	return &pool{
		free:        free,
		token2child: make(map[Token]ChildID),
	}
}

// smallestFree returns the lowest-id free token. Token id selection is
// always the smallest free id: not required for correctness, but it makes
// trace comparison trivial in tests (spec.md §9).
func (p *pool) smallestFree() (Token, bool) {
	if len(p.free) == 0 {
		return 0, false
	}
	min := p.free[0]
	for _, t := range p.free[1:] {
		if t < min {
			min = t
		}
	}
	return min, true
}

func (p *pool) removeFree(tok Token) {
	for i, t := range p.free {
		if t == tok {
			p.free = append(p.free[:i], p.free[i+1:]...)
			return
		}
	}
}

// smallestUnused returns the smallest non-negative integer that is
// neither free nor assigned. Used by a growable pool source (proxy) to
// mint a fresh internal token id, per spec.md §4.5.
func (p *pool) smallestUnused() Token {
	used := make(map[Token]bool, len(p.free)+len(p.token2child))
	for _, t := range p.free {
		used[t] = true
	}
	for t := range p.token2child {
		used[t] = true
	}
	for id := Token(0); ; id++ {
		if !used[id] {
			return id
		}
	}
}

// assign moves tok from the free pool to c's assignment, enforcing the
// invariants with a *ProtocolError rather than an unchecked panic, since a
// violated invariant here is a bug in this package, not a caller mistake,
// but corrupting the ledger silently would be worse than failing loudly.
func (p *pool) assign(c *child, tok Token) error {
	if _, already := p.token2child[tok]; already {
		return protocolError("assign: token %d already assigned", tok)
	}
	found := false
	for _, t := range p.free {
		if t == tok {
			found = true
			break
		}
	}
	if !found {
		return protocolError("assign: token %d not in free pool", tok)
	}
	p.removeFree(tok)
	p.token2child[tok] = c.id
	c.tokens = append(c.tokens, tok)
	return nil
}

// unassign moves tok from c's assignment back to the free pool.
func (p *pool) unassign(c *child, tok Token) error {
	owner, ok := p.token2child[tok]
	if !ok || owner != c.id {
		return protocolError("unassign: token %d not assigned to child %d", tok, c.id)
	}
	idx := -1
	for i, t := range c.tokens {
		if t == tok {
			idx = i
			break
		}
	}
	if idx == -1 {
		return protocolError("unassign: token %d missing from child %d's list", tok, c.id)
	}
	c.tokens = append(c.tokens[:idx], c.tokens[idx+1:]...)
	delete(p.token2child, tok)
	p.free = append(p.free, tok)
	return nil
}
