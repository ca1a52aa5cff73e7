package domain

import "time"

// Project is a saved repository reference used to launch deployments.
type Project struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	RepositoryURL string    `json:"repository_url"`
	Branch        string    `json:"branch"`
	CreatedAt     time.Time `json:"created_at"`
}
