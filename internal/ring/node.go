package ring

import (
	"net"
	"strconv"
)

// Node represents a physical node in the cluster.
type Node struct {
	ID   string
	Host string
	Port int
}

// Addr returns the host:port dial address of the node.
func (n Node) Addr() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}

// String implements fmt.Stringer.
func (n Node) String() string {
	return n.ID + "@" + n.Addr()
}

// ParseAddr splits a host:port address into a Node with the given ID.
func ParseAddr(id, addr string) (Node, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return Node{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Node{}, err
	}
	return Node{ID: id, Host: host, Port: port}, nil
}
