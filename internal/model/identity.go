package model

// Identity is the caller as vouched for by the identity service.
type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}
