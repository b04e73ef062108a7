// Package session drives one user's interaction with the chat services:
// Unauthenticated, then Authenticated, then InRoom.
package session

// State is one of Unauthenticated, Authenticated or InRoom. Each carries
// only the fields that are meaningful in that state.
type State interface {
	isState()
}

type Unauthenticated struct{}

type Authenticated struct {
	Username string
	Token    string
}

type InRoom struct {
	Username string
	Token    string
	Room     string
}

func (Unauthenticated) isState() {}
func (Authenticated) isState()   {}
func (InRoom) isState()          {}

func (s InRoom) authenticated() Authenticated {
	return Authenticated{Username: s.Username, Token: s.Token}
}

// Username is empty while unauthenticated.
func Username(st State) string {
	switch st := st.(type) {
	case Authenticated:
		return st.Username
	case InRoom:
		return st.Username
	default:
		return ""
	}
}
