package models

type UserReq struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

type AuthResp struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

type BookmarkReq struct {
	Title string `json:"title" validate:"required"`
	URL   string `json:"url" validate:"required"`
}

type OAuthURLResp struct {
	URL string `json:"url"`
}

type ErrorResp struct {
	Message string `json:"message"`
}
