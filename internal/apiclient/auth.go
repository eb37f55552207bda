package apiclient

import (
	"context"
	"net/http"

	"github.com/matheus3301/finlink/internal/apierr"
	"github.com/matheus3301/finlink/internal/model"
)

type AuthResponse struct {
	Token        string      `json:"token"`
	RefreshToken string      `json:"refreshToken"`
	User         *model.User `json:"user,omitempty"`
}

type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

// Login exchanges email and password for a credential pair and stores it.
func (c *Client) Login(ctx context.Context, email, password string) (*AuthResponse, error) {
	body := map[string]string{"email": email, "password": password}
	return c.authenticate(ctx, "/auth/login", body)
}

func (c *Client) Register(ctx context.Context, req RegisterRequest) (*AuthResponse, error) {
	return c.authenticate(ctx, "/auth/register", req)
}

func (c *Client) authenticate(ctx context.Context, path string, body any) (*AuthResponse, error) {
	var resp AuthResponse
	if err := c.Do(ctx, http.MethodPost, path, body, &resp, WithoutAuth()); err != nil {
		return nil, err
	}
	if resp.Token == "" {
		return nil, apierr.New(apierr.KindUnknown, "auth response without token")
	}
	if err := c.SetCredentials(Credentials{AccessToken: resp.Token, RefreshToken: resp.RefreshToken, User: resp.User}); err != nil {
		return nil, apierr.Wrap(apierr.KindUnknown, "store credentials", err)
	}
	return &resp, nil
}

// Logout drops the stored credentials. There is no server-side session to
// revoke.
func (c *Client) Logout() error {
	return c.ClearCredentials()
}
