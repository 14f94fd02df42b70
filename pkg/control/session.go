// Package control implements the subscribe/unsubscribe control plane:
// short-lived control connections that negotiate topic name, schema, and
// HA peer list, plus the steady-state resubscribe path the reconnect
// controller drives.
package control

import "context"

// Session is the external RPC collaborator. Connection establishment,
// authentication and RPC marshalling are out of scope here; callers
// supply a Session implementation that actually talks to the server and
// defines only the request/response shape.
type Session interface {
	// Login authenticates the session and returns its JWT session token.
	Login(ctx context.Context, user, password string, remember bool) (token string, err error)

	// Version returns the server's version string.
	Version(ctx context.Context) (string, error)

	// GetSubscriptionTopic learns the server-assigned topic and column
	// names for table+action.
	GetSubscriptionTopic(ctx context.Context, table, action string) (topic string, columnNames []string, err error)

	// PublishTable registers this client as a subscriber. In listen mode
	// localIP/localPort identify the bound listener; in reverse mode they
	// are empty/zero. In both modes the call is made over this control
	// session; the reverse-mode data connection is a separate connection
	// that pkg/client dials afterwards, and nothing is sent over it.
	PublishTable(ctx context.Context, localIP string, localPort int, table, action string, offset int64, filter interface{}, allowExists bool) (topic string, haSites []string, err error)

	// StopPublishTable cancels a subscription.
	StopPublishTable(ctx context.Context, localIP string, localPort int, table, action string) error

	// Close releases the underlying connection.
	Close() error
}

// SessionFactory dials a fresh control connection to addr ("host:port").
type SessionFactory func(ctx context.Context, addr string) (Session, error)
