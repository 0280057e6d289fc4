package auth

// CallGrant scopes what a token holder may do on the signalling server.
type CallGrant struct {
	RoomJoin bool   `json:"roomJoin,omitempty"`
	RoomList bool   `json:"roomList,omitempty"`
	Room     string `json:"room,omitempty"`

	// therapist, child or guest
	Role string `json:"role,omitempty"`

	// may register and delete room metadata
	RoomAdmin bool `json:"roomAdmin,omitempty"`
}

type ClaimGrants struct {
	Identity string     `json:"-"`
	Name     string     `json:"name,omitempty"`
	Call     *CallGrant `json:"call,omitempty"`
	// base64 sha256 of a signed request body, set on webhook tokens
	Sha256 string `json:"sha256,omitempty"`
}

func (c *ClaimGrants) CanJoin(room string) bool {
	if c == nil || c.Call == nil || !c.Call.RoomJoin {
		return false
	}
	return c.Call.Room == "" || c.Call.Room == room
}

func (c *ClaimGrants) CanList() bool {
	return c != nil && c.Call != nil && c.Call.RoomList
}

func (c *ClaimGrants) CanAdmin() bool {
	return c != nil && c.Call != nil && c.Call.RoomAdmin
}
