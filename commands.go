package relaysession

// Envelope type tags, the first element of every wire message.
const (
	TypeEvent  = "EVENT"
	TypeReq    = "REQ"
	TypeClose  = "CLOSE"
	TypeNotice = "NOTICE"
	TypeEOSE   = "EOSE"
	TypeOK     = "OK"
	TypeAuth   = "AUTH"
	TypeCount  = "COUNT"

	// Internal keepalive envelopes, distinct from transport-level ping frames.
	TypePing  = "PING"
	TypePong  = "PONG"
	TypeError = "error"
)

// NIP-42 authentication event kind.
const AuthEventKind = 22242

// NOTICE prefixes used when the relay rejects a message.
const (
	NoticeInvalid      = "invalid: "
	NoticeRateLimited  = "rate-limited: "
	NoticeAuthRequired = "auth-required: "
	NoticeUnsupported  = "unsupported: "
)

// WebSocket close codes used by the session layer.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
	CloseTryAgainLater   = 1013
)
