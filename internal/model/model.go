package model

import "time"

// UserToken represents the user's OAuth2 token stored in DynamoDB.
type UserToken struct {
	UserID                string    `json:"user_id" dynamodbav:"user_id"`
	EncryptedRefreshToken string    `json:"encrypted_refresh_token" dynamodbav:"encrypted_refresh_token"`
	Account               string    `json:"account,omitempty" dynamodbav:"account,omitempty"` // userPrincipalName
	UpdatedAt             time.Time `json:"updated_at" dynamodbav:"updated_at"`
}

// UploadLease reserves an upload destination for one in-flight upload.
type UploadLease struct {
	Destination string `json:"destination" dynamodbav:"destination"`
	Owner       string `json:"owner" dynamodbav:"owner"` // upload ID
	ExpiresAt   int64  `json:"expires_at" dynamodbav:"expires_at"` // TTL (Unix timestamp)
}

// UploadCompleted is published after a large upload is committed.
type UploadCompleted struct {
	UserID     string    `json:"user_id"`
	Path       string    `json:"path"`
	ItemID     string    `json:"item_id"`
	Size       int64     `json:"size"`
	WebURL     string    `json:"web_url,omitempty"`
	Source     string    `json:"source"`
	FinishedAt time.Time `json:"finished_at"`
}
