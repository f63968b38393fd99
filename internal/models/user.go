package models

// User is an operator account allowed to call the control API.
// Devices never authenticate; they are identified by chip id alone.
type User struct {
	ID           int    `json:"id"`
	Username     string `json:"username"`
	PasswordHash string `json:"-"`
}
