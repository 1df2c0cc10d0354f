// Package domain contains entities without logic, just meta-data.
package domain

type UserID string

// User is the resolved identity behind a connection. ID matches the durable
// user record once the identity has been persisted.
type User struct {
	ID    UserID `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}
