package relay

// Role distinguishes which side of a Shadowsocks connection a Conn plays.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// State is the connection lifecycle state. ServeClientConn and ServeConn
// each run an explicit loop over the same State type until the connection
// reaches StateDestroyed; the role determines which transitions exist.
// The client walks INIT -> HELLO -> {UDP_ASSOC | REPLY -> STREAM}; the
// server walks INIT -> DNS -> REPLY -> STREAM. States move strictly
// forward, no state is ever revisited.
type State int

const (
	StateInit     State = iota
	StateHello          // client only: SOCKS5 request (command + destination); the greeting is read in INIT
	StateUDPAssoc       // client only: SOCKS5 UDP-ASSOCIATE branch
	StateDNS            // server only: decrypt + parse destination address header
	StateReply          // dial destination / reply to SOCKS5 client
	StateStream
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateHello:
		return "HELLO"
	case StateUDPAssoc:
		return "UDP_ASSOC"
	case StateDNS:
		return "DNS"
	case StateReply:
		return "REPLY"
	case StateStream:
		return "STREAM"
	case StateDestroyed:
		return "DESTROYED"
	default:
		return "UNKNOWN"
	}
}
