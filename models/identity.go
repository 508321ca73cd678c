package models

// Identity maps a display name to an avatar image.
type Identity struct {
	NickName string `json:"nickName"`
	Image    string `json:"image,omitempty"`
}

// RenameEvent announces that a user changed their display name.
type RenameEvent struct {
	NewUserName string `json:"newUserName"`
	OldNickName string `json:"oldNickName"`
	Image       string `json:"image,omitempty"`
	UpdatedAt   int64  `json:"updatedAt"`
}
