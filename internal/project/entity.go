package project

import "time"

type Project struct {
	ID          string    `yaml:"id" json:"id"`
	Title       string    `yaml:"title" json:"title"`
	Description string    `yaml:"description" json:"description,omitempty"`
	// TokensUsed is the sum over the project's completed tasks, recomputed
	// whenever one of them completes.
	TokensUsed int64     `yaml:"tokens_used" json:"tokens_used"`
	CreatedAt  time.Time `yaml:"created_at" json:"created_at"`
	UpdatedAt  time.Time `yaml:"updated_at" json:"updated_at"`
}
