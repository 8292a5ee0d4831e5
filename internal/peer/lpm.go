// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package peer

import "net/netip"

// trie is a binary prefix trie for longest-prefix match over allowed-IP
// ranges. It is built once per routing snapshot and never mutated after,
// so lookups need no synchronization.
type trie struct {
	root *trieNode
}

type trieNode struct {
	children [2]*trieNode
	// peers whose allowed-IP prefix terminates exactly at this node.
	peers []*Info
}

func newTrie() *trie {
	return &trie{root: &trieNode{}}
}

func addrBit(addr netip.Addr, i int) int {
	b := addr.AsSlice()
	if b[i/8]&(1<<(7-i%8)) != 0 {
		return 1
	}
	return 0
}

// insert registers a peer under a prefix. Peers at the same node stay
// sorted by ID so candidate order is deterministic.
func (t *trie) insert(prefix netip.Prefix, p *Info) {
	node := t.root
	addr := prefix.Addr()
	for i := 0; i < prefix.Bits(); i++ {
		bit := addrBit(addr, i)
		if node.children[bit] == nil {
			node.children[bit] = &trieNode{}
		}
		node = node.children[bit]
	}

	pos := len(node.peers)
	for i, existing := range node.peers {
		if p.ID < existing.ID {
			pos = i
			break
		}
	}
	node.peers = append(node.peers, nil)
	copy(node.peers[pos+1:], node.peers[pos:])
	node.peers[pos] = p
}

// lookup returns the peers registered at the longest prefix covering addr,
// or nil when no prefix matches. The slice is shared with the snapshot and
// must not be mutated.
func (t *trie) lookup(addr netip.Addr) []*Info {
	node := t.root
	best := node.peers
	bits := addr.BitLen()
	for i := 0; i < bits && node != nil; i++ {
		node = node.children[addrBit(addr, i)]
		if node != nil && len(node.peers) > 0 {
			best = node.peers
		}
	}
	if len(best) == 0 {
		return nil
	}
	return best
}
