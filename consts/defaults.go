package consts

import "time"

const (
	// DefaultSessionTTL is how long a durable session record lives without
	// a refresh.
	DefaultSessionTTL = 300 * time.Second

	// DefaultSweepInterval is the keep-alive sweeper cadence. It must stay
	// well under DefaultSessionTTL so a single delayed sweep can never let
	// a healthy session expire (interval <= TTL/10).
	DefaultSweepInterval = 25 * time.Second

	// DefaultPoolCapacity bounds the number of live handles per pool.
	DefaultPoolCapacity = 10

	// DefaultConnectTimeout bounds a single factory dial+authenticate so a
	// hung handshake cannot starve pool capacity.
	DefaultConnectTimeout = 30 * time.Second

	DefaultFetchLimit = 10
	DefaultFolder     = "INBOX"
)

// Session key namespaces in the durable store, one per wire protocol.
const (
	IMAPNamespace = "imap"
	SMTPNamespace = "smtp"
)
