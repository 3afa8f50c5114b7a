package session

import "github.com/pleme-io/lspmux/internal/rpc"

// errNoConn is returned by Session.Call when the session currently has no
// bound connection — between Disconnect and a successful Reconnect, or
// after expiration. Already classified: callers propagate it to the wire
// as session_gone without rewrapping.
var errNoConn = rpc.NewError(rpc.KindSessionGone, "session has no bound connection")
