package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/chatbridge/teams-bridge/internal"
)

// Resource scopes a session holds bearer tokens for. ResourceMessages is the
// primary scope; losing it is fatal, losing the others is degraded service.
const (
	ResourceMessages  = "https://api.spaces.skype.com"
	ResourcePresence  = "https://presence.teams.microsoft.com"
	ResourceChatSvc   = "https://chatsvcagg.teams.microsoft.com"
	ResourceSubstrate = "https://substrate.office.com"
)

// Resources lists every scope in refresh order, primary first.
var Resources = []string{ResourceMessages, ResourcePresence, ResourceChatSvc, ResourceSubstrate}

// OAuthToken is a decoded token-endpoint response.
type OAuthToken struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
}

// OAuthError is a structured error from the login host. The Code field is the
// wire "error" string, e.g. "invalid_grant" or "authorization_pending".
type OAuthError struct {
	Code        string
	Description string
}

func (e *OAuthError) Error() string {
	return fmt.Sprintf("oauth %s: %s", e.Code, e.Description)
}

// DeviceCode is a device-authorization grant in flight.
type DeviceCode struct {
	DeviceCode      string
	UserCode        string
	VerificationURL string
	Message         string
	Interval        int64
	ExpiresIn       int64
}

// AuthorizeURL is the interactive sign-in page the user opens in a browser
// for the code-paste flow.
func AuthorizeURL(tenantHost string) string {
	q := url.Values{
		"client_id":     {OAuthClientID},
		"response_type": {"code"},
		"redirect_uri":  {OAuthRedirectURI},
		"scope":         {ResourceMessages + "/.default openid profile offline_access"},
	}
	return fmt.Sprintf("https://%s/%s/oauth2/v2.0/authorize?%s", LoginHost, tenantHost, q.Encode())
}

func (c *Client) tokenRequest(ctx context.Context, tenantHost string, form url.Values) (*OAuthToken, error) {
	endpoint := fmt.Sprintf("https://%s/%s/oauth2/v2.0/token", LoginHost, tenantHost)
	body, _, err := c.do(ctx, http.MethodPost, endpoint,
		nil, map[string]string{"Content-Type": "application/x-www-form-urlencoded"},
		[]byte(form.Encode()))
	if err != nil {
		return nil, err
	}
	if code := gjson.GetBytes(body, "error"); code.Exists() {
		oe := &OAuthError{
			Code:        code.String(),
			Description: gjson.GetBytes(body, "error_description").String(),
		}
		if oe.Code == "authorization_pending" {
			return nil, internal.ErrAuthorizationPending
		}
		return nil, oe
	}
	tok := &OAuthToken{
		AccessToken:  gjson.GetBytes(body, "access_token").String(),
		RefreshToken: gjson.GetBytes(body, "refresh_token").String(),
		ExpiresIn:    gjson.GetBytes(body, "expires_in").Int(),
	}
	if tok.AccessToken == "" {
		return nil, internal.ProtocolError(nil, "token endpoint returned no access_token")
	}
	return tok, nil
}

// RefreshResourceToken redeems the stored refresh token for a bearer token on
// one resource scope.
func (c *Client) RefreshResourceToken(ctx context.Context, tenantHost, resource, refreshToken string) (*OAuthToken, error) {
	return c.tokenRequest(ctx, tenantHost, url.Values{
		"client_id":     {OAuthClientID},
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"scope":         {resource + "/.default openid profile offline_access"},
	})
}

// RedeemAuthCode exchanges a pasted authorization code for the initial token
// pair on the primary scope.
func (c *Client) RedeemAuthCode(ctx context.Context, tenantHost, code string) (*OAuthToken, error) {
	return c.tokenRequest(ctx, tenantHost, url.Values{
		"client_id":    {OAuthClientID},
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {OAuthRedirectURI},
		"scope":        {ResourceMessages + "/.default openid profile offline_access"},
	})
}

// RequestDeviceCode starts the device-authorization flow. The interval and
// expiry fields arrive as numbers or strings depending on the tenant, so both
// forms are accepted.
func (c *Client) RequestDeviceCode(ctx context.Context, tenantHost string) (*DeviceCode, error) {
	endpoint := fmt.Sprintf("https://%s/%s/oauth2/v2.0/devicecode", LoginHost, tenantHost)
	form := url.Values{
		"client_id": {OAuthClientID},
		"scope":     {ResourceMessages + "/.default openid profile offline_access"},
	}
	body, _, err := c.do(ctx, http.MethodPost, endpoint,
		nil, map[string]string{"Content-Type": "application/x-www-form-urlencoded"},
		[]byte(form.Encode()))
	if err != nil {
		return nil, err
	}
	if code := gjson.GetBytes(body, "error"); code.Exists() {
		return nil, &OAuthError{Code: code.String(), Description: gjson.GetBytes(body, "error_description").String()}
	}
	dc := &DeviceCode{
		DeviceCode:      gjson.GetBytes(body, "device_code").String(),
		UserCode:        gjson.GetBytes(body, "user_code").String(),
		VerificationURL: gjson.GetBytes(body, "verification_uri").String(),
		Message:         gjson.GetBytes(body, "message").String(),
		Interval:        numericField(body, "interval", 5),
		ExpiresIn:       numericField(body, "expires_in", 900),
	}
	if dc.DeviceCode == "" || dc.UserCode == "" {
		return nil, internal.ProtocolError(nil, "devicecode endpoint returned no code")
	}
	return dc, nil
}

// PollDeviceCode checks whether the user approved the device-code sign-in.
// Returns internal.ErrAuthorizationPending until they do.
func (c *Client) PollDeviceCode(ctx context.Context, tenantHost, deviceCode string) (*OAuthToken, error) {
	return c.tokenRequest(ctx, tenantHost, url.Values{
		"client_id":   {OAuthClientID},
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
		"device_code": {deviceCode},
	})
}

// numericField reads a JSON field that some tenants emit as a number and
// others as a quoted string.
func numericField(body []byte, path string, def int64) int64 {
	v := gjson.GetBytes(body, path)
	switch v.Type {
	case gjson.Number:
		return v.Int()
	case gjson.String:
		if n, err := strconv.ParseInt(strings.TrimSpace(v.Str), 10, 64); err == nil {
			return n
		}
	}
	return def
}

// EndSession hits the login host's sign-out page so the grant's web session
// is gone too, not only our stored tokens. Best effort.
func (c *Client) EndSession(ctx context.Context, tenantHost string) error {
	endpoint := fmt.Sprintf("https://%s/%s/oauth2/v2.0/logout", LoginHost, tenantHost)
	_, _, err := c.do(ctx, http.MethodGet, endpoint, nil, nil, nil)
	return err
}

// SkypeToken is the messaging-host credential minted from a bearer token.
type SkypeToken struct {
	Token     string
	ExpiresIn int64
	Region    string
}

// ExchangeSkypeToken trades the primary-scope bearer token for a skypetoken,
// the credential every messaging-host call carries.
func (c *Client) ExchangeSkypeToken(ctx context.Context, bearer string) (*SkypeToken, error) {
	body, status, err := c.do(ctx, http.MethodPost, AuthzURL, nil, map[string]string{
		"Authorization": "Bearer " + bearer,
	}, []byte("{}"))
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, internal.AuthFailed(nil, "skypetoken exchange returned HTTP %d", status)
	}
	st := &SkypeToken{
		Token:     gjson.GetBytes(body, "tokens.skypeToken").String(),
		ExpiresIn: gjson.GetBytes(body, "tokens.expiresIn").Int(),
		Region:    gjson.GetBytes(body, "region").String(),
	}
	if st.Token == "" {
		return nil, internal.AuthFailed(nil, "skypetoken exchange returned no token")
	}
	return st, nil
}

// FetchIntegrityToken fetches the media-service integrity token. Failure is
// non-fatal; media downloads degrade without it.
func (c *Client) FetchIntegrityToken(ctx context.Context, skypeToken string) (string, error) {
	endpoint := fmt.Sprintf("https://%s/pes/v1/petoken", StaticHost)
	body, status, err := c.do(ctx, http.MethodPost, endpoint, nil, map[string]string{
		"Authorization": "skype_token " + skypeToken,
	}, []byte("{}"))
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", internal.NetworkError(nil, "petoken returned HTTP %d", status)
	}
	tok := gjson.GetBytes(body, "token").String()
	if tok == "" {
		return "", internal.ProtocolError(nil, "petoken response missing token")
	}
	return tok, nil
}
