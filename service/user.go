package service

import (
	"encoding/xml"
	"time"

	"github.com/lemonbeat/service-client-go/lsbl"
)

const UserQueue = "SERVICE.USERSERVICE"

type UserCmd struct {
	XMLName          xml.Name          `xml:"user_cmd"`
	UserLogin        *UserLogin        `xml:"user_login"`
	UserTokenRefresh *UserTokenRefresh `xml:"user_token_refresh"`
}

type UserLogin struct {
	Username string `xml:"username"`
	Password string `xml:"password"`
}

type UserTokenRefresh struct {
	Token string `xml:"token"`
}

type UserResponse struct {
	XMLName          xml.Name       `xml:"user_response"`
	UserLogin        *TokenResponse `xml:"user_login"`
	UserTokenRefresh *TokenResponse `xml:"user_token_refresh"`
}

// TokenResponse carries a session token. Expires is in unix seconds.
type TokenResponse struct {
	Token   string `xml:"token"`
	Expires int64  `xml:"expires"`
}

// User logs in and refreshes the session token. Successful replies replace
// the token of the client session, so later calls carry it.
type User struct {
	c Client
}

func NewUser(c Client) *User {
	return &User{c: c}
}

func (u *User) Login(username, password string, onResult func(*lsbl.Envelope)) error {
	return call(u.c, UserQueue, login(username, password), func(res *lsbl.Envelope) {
		u.store(res, loginToken)
		onResult(res)
	})
}

// LoginAwait logs in with the given credentials, or with the configured
// backend credentials if both are empty.
func (u *User) LoginAwait(username, password string) (*lsbl.Envelope, error) {
	if username == "" && password == "" {
		backend := u.c.Config().Backend
		username, password = backend.Username, backend.Password
	}

	res, err := await(u.c, UserQueue, login(username, password))
	if err != nil {
		return nil, err
	}
	u.store(res, loginToken)
	return res, nil
}

func (u *User) TokenRefresh(onResult func(*lsbl.Envelope)) error {
	return call(u.c, UserQueue, u.refresh(), func(res *lsbl.Envelope) {
		u.store(res, refreshToken)
		onResult(res)
	})
}

func (u *User) TokenRefreshAwait() (*lsbl.Envelope, error) {
	res, err := await(u.c, UserQueue, u.refresh())
	if err != nil {
		return nil, err
	}
	u.store(res, refreshToken)
	return res, nil
}

func (u *User) refresh() *UserCmd {
	return &UserCmd{UserTokenRefresh: &UserTokenRefresh{Token: u.c.Session().Token()}}
}

func (u *User) store(res *lsbl.Envelope, pick func(*UserResponse) *TokenResponse) {
	if !lsbl.IsResponse(res) {
		return
	}

	var ur UserResponse
	if err := res.Response.Decode(&ur); err != nil {
		return
	}
	tr := pick(&ur)
	if tr == nil || tr.Token == "" {
		return
	}

	var expires time.Time
	if tr.Expires > 0 {
		expires = time.Unix(tr.Expires, 0)
	}
	u.c.Session().Set(tr.Token, expires)
}

func login(username, password string) *UserCmd {
	return &UserCmd{UserLogin: &UserLogin{Username: username, Password: password}}
}

func loginToken(r *UserResponse) *TokenResponse   { return r.UserLogin }
func refreshToken(r *UserResponse) *TokenResponse { return r.UserTokenRefresh }
