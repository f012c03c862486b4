package node

import (
	"net"
	"strings"

	"github.com/pkg/errors"
)

// NormalizeHostPort cuts the http:// https:// prefixes from the input address
// and adds a default port
func NormalizeHostPort(addr, defPort string) string {
	if rest, ok := strings.CutPrefix(addr, "http://"); ok {
		addr = rest
	} else if rest, ok := strings.CutPrefix(addr, "https://"); ok {
		addr = rest
	}

	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}

	return net.JoinHostPort(addr, defPort)
}

// OwnerForKey looks up the ring owner of key. local is true when this node
// owns it; otherwise owner is the owner's advertised http address.
func (n *Node) OwnerForKey(key string) (owner string, local bool, err error) {
	if n.ring.AllocatedToMe(key) {
		return NormalizeHostPort(n.addr, "8080"), true, nil
	}
	p, err := n.ring.Lookup(key)
	if err != nil {
		return "", false, err
	}
	addr := p.Meta.Tag(TagHTTP)
	if addr == "" {
		return "", false, errors.Errorf("owner %s advertises no http address", p.ID)
	}
	return NormalizeHostPort(addr, "8080"), false, nil
}
