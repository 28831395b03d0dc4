// Package events holds the event types published on the server's event bus.
//
// Events describe something that already happened. They are values and carry
// only what subscribers need.
package events

// Kind identifies an event type. The bus routes on it.
type Kind int

const (
	// KindNickChanged is NickChanged.
	KindNickChanged Kind = iota + 1
	// KindUserAuthenticated is UserAuthenticated.
	KindUserAuthenticated
	// KindOperatorLoggedIn is OperatorLoggedIn.
	KindOperatorLoggedIn
	// KindChannelCreated is ChannelCreated.
	KindChannelCreated
	// KindSessionClosed is SessionClosed.
	KindSessionClosed
)

func (k Kind) String() string {
	switch k {
	case KindNickChanged:
		return "NickChanged"
	case KindUserAuthenticated:
		return "UserAuthenticated"
	case KindOperatorLoggedIn:
		return "OperatorLoggedIn"
	case KindChannelCreated:
		return "ChannelCreated"
	case KindSessionClosed:
		return "SessionClosed"
	default:
		return "Unknown"
	}
}

// Event is implemented by every event type. Kind must work on the zero value.
type Event interface {
	Kind() Kind
}

// NickChanged means a registered user changed nickname.
type NickChanged struct {
	SessionID string
	OldNick   string
	NewNick   string

	// user@host of the session at the time of the change. The NICK message
	// is sourced from OldNick!UserHost.
	UserHost string
}

// Kind implements Event.
func (NickChanged) Kind() Kind { return KindNickChanged }

// UserAuthenticated means a session completed registration.
type UserAuthenticated struct {
	SessionID string
	Nick      string
}

// Kind implements Event.
func (UserAuthenticated) Kind() Kind { return KindUserAuthenticated }

// OperatorLoggedIn means a user successfully used OPER.
type OperatorLoggedIn struct {
	SessionID string
	Nick      string
	Name      string
}

// Kind implements Event.
func (OperatorLoggedIn) Kind() Kind { return KindOperatorLoggedIn }

// ChannelCreated means a JOIN created a channel.
type ChannelCreated struct {
	Channel string
	Founder string
}

// Kind implements Event.
func (ChannelCreated) Kind() Kind { return KindChannelCreated }

// SessionClosed means a connection's session was torn down.
type SessionClosed struct {
	SessionID string
	Nick      string
	Reason    string
}

// Kind implements Event.
func (SessionClosed) Kind() Kind { return KindSessionClosed }
