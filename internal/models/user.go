package models

import "time"

type User struct {
	ID                  string     `json:"id"`
	Email               string     `json:"email" example:"user@example.com"`
	FirstName           string     `json:"firstName" example:"John"`
	LastName            string     `json:"lastName" example:"Doe"`
	Phone               *string    `json:"phone,omitempty"`
	FailedLoginAttempts int        `json:"-"`
	LockedUntil         *time.Time `json:"-"`
	LastLogin           *time.Time `json:"lastLogin,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}
