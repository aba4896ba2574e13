package contracts

import "time"

// Queue names shared by producers and the communications workers.
const (
	EmailQueue = "email_jobs"
)

// EmailJob is the body of a message on EmailQueue.
type EmailJob struct {
	ID        string            `json:"id"`
	UserID    string            `json:"userId"`
	To        string            `json:"to,omitempty"`
	Name      string            `json:"name,omitempty"`
	Template  string            `json:"template"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}
