package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/chatbridge/teams-bridge/internal"
)

// historyPageSize matches what the Teams web client requests.
const historyPageSize = 30

// messagesView selects the message serialization the history endpoints
// return; the live poll uses the same one.
const messagesView = "msnp24Equivalent"

// targetTypes enumerates every conversation class the history endpoints
// should include.
const targetTypes = "Passport|Skype|Lync|Thread|PSTN|Agent"

// Conversations lists the account's conversations modified since the given
// watermark (unix seconds; 0 means everything). Raw conversation objects are
// returned newest first, exactly as the server orders them.
func (c *Client) Conversations(ctx context.Context, host string, creds Credentials, sinceSecs int64) ([]json.RawMessage, error) {
	endpoint := fmt.Sprintf("https://%s/v1/users/ME/conversations?startTime=%d000&pageSize=100&view=%s&targetType=%s",
		host, sinceSecs, messagesView, url.QueryEscape(targetTypes))
	body, status, err := c.do(ctx, http.MethodGet, endpoint, &creds, nil, nil)
	if err != nil {
		return nil, internal.NetworkError(err, "conversation list failed")
	}
	if status != http.StatusOK {
		return nil, internal.NetworkError(nil, "conversation list returned HTTP %d: %s", status, firstLine(body))
	}
	var out []json.RawMessage
	gjson.GetBytes(body, "conversations").ForEach(func(_, conv gjson.Result) bool {
		out = append(out, json.RawMessage(conv.Raw))
		return true
	})
	return out, nil
}

// ConversationMessages fetches one page of a conversation's history since the
// watermark. The server returns newest first.
func (c *Client) ConversationMessages(ctx context.Context, host string, creds Credentials, convID string, sinceSecs int64) ([]json.RawMessage, error) {
	endpoint := fmt.Sprintf("https://%s/v1/users/ME/conversations/%s/messages?startTime=%d000&pageSize=%d&view=%s&targetType=%s",
		host, escape(convID), sinceSecs, historyPageSize, messagesView, url.QueryEscape(targetTypes))
	body, status, err := c.do(ctx, http.MethodGet, endpoint, &creds, nil, nil)
	if err != nil {
		return nil, internal.NetworkError(err, "history fetch for %s failed", convID)
	}
	if status != http.StatusOK {
		return nil, internal.NetworkError(nil, "history fetch for %s returned HTTP %d", convID, status)
	}
	var out []json.RawMessage
	gjson.GetBytes(body, "messages").ForEach(func(_, msg gjson.Result) bool {
		out = append(out, json.RawMessage(msg.Raw))
		return true
	})
	return out, nil
}

// SendResult is the server's answer to a message post. ErrorCode is nonzero
// when the message was rejected.
type SendResult struct {
	ErrorCode int64
	ErrorText string
}

// SendMessage posts a prepared message body to a conversation. The body is
// built by the send package; this call only moves bytes and decodes the
// rejection envelope.
func (c *Client) SendMessage(ctx context.Context, host string, creds Credentials, convID string, body []byte) (*SendResult, error) {
	endpoint := fmt.Sprintf("https://%s/v1/users/ME/conversations/%s/messages", host, escape(convID))
	res, status, err := c.do(ctx, http.MethodPost, endpoint, &creds, nil, body)
	if err != nil {
		return nil, internal.NetworkError(err, "message send to %s failed", convID)
	}
	if status < 200 || status > 299 {
		return nil, internal.NetworkError(nil, "message send to %s returned HTTP %d: %s", convID, status, firstLine(res))
	}
	sr := &SendResult{
		ErrorCode: gjson.GetBytes(res, "errorCode").Int(),
		ErrorText: gjson.GetBytes(res, "message").String(),
	}
	return sr, nil
}

// PutConsumptionHorizon advances the server-side read marker of a
// conversation to the given message id and timestamp.
func (c *Client) PutConsumptionHorizon(ctx context.Context, host string, creds Credentials, convID, messageID string, tsMillis int64) error {
	horizon := fmt.Sprintf("%s;%d;%s", messageID, tsMillis, messageID)
	body, err := sjson.SetBytes([]byte(`{}`), "consumptionhorizon", horizon)
	if err != nil {
		return internal.ProtocolError(err, "building consumptionhorizon body")
	}
	endpoint := fmt.Sprintf("https://%s/v1/users/ME/conversations/%s/properties?name=consumptionhorizon", host, escape(convID))
	res, status, err := c.do(ctx, http.MethodPut, endpoint, &creds, nil, body)
	if err != nil {
		return internal.NetworkError(err, "consumption horizon update failed")
	}
	if status < 200 || status > 299 {
		return internal.NetworkError(nil, "consumption horizon update returned HTTP %d: %s", status, firstLine(res))
	}
	return nil
}

// SetThreadProperty updates a named property of a group thread, e.g. the
// topic.
func (c *Client) SetThreadProperty(ctx context.Context, host string, creds Credentials, threadID, name string, value interface{}) error {
	body, err := sjson.SetBytes([]byte(`{}`), name, value)
	if err != nil {
		return internal.ProtocolError(err, "building thread property body")
	}
	endpoint := fmt.Sprintf("https://%s/v1/threads/%s/properties?name=%s", host, escape(threadID), url.QueryEscape(name))
	res, status, err := c.do(ctx, http.MethodPut, endpoint, &creds, nil, body)
	if err != nil {
		return internal.NetworkError(err, "thread property update failed")
	}
	if status < 200 || status > 299 {
		return internal.NetworkError(nil, "thread property update returned HTTP %d: %s", status, firstLine(res))
	}
	return nil
}

// AddThreadMember invites a user into a group thread with the given role.
func (c *Client) AddThreadMember(ctx context.Context, host string, creds Credentials, threadID, userID, role string) error {
	body, err := sjson.SetBytes([]byte(`{}`), "role", role)
	if err != nil {
		return internal.ProtocolError(err, "building member body")
	}
	endpoint := fmt.Sprintf("https://%s/v1/threads/%s/members/%s", host, escape(threadID), escape(userID))
	res, status, err := c.do(ctx, http.MethodPut, endpoint, &creds, nil, body)
	if err != nil {
		return internal.NetworkError(err, "thread invite failed")
	}
	if status < 200 || status > 299 {
		return internal.NetworkError(nil, "thread invite returned HTTP %d: %s", status, firstLine(res))
	}
	return nil
}

// RemoveThreadMember kicks a user from a group thread. Removing the account's
// own user leaves the thread.
func (c *Client) RemoveThreadMember(ctx context.Context, host string, creds Credentials, threadID, userID string) error {
	endpoint := fmt.Sprintf("https://%s/v1/threads/%s/members/%s", host, escape(threadID), escape(userID))
	res, status, err := c.do(ctx, http.MethodDelete, endpoint, &creds, nil, nil)
	if err != nil {
		return internal.NetworkError(err, "thread member removal failed")
	}
	if status < 200 || status > 299 {
		return internal.NetworkError(nil, "thread member removal returned HTTP %d: %s", status, firstLine(res))
	}
	return nil
}

// ThreadMember is one roster entry of a group thread.
type ThreadMember struct {
	ID   string
	Role string
}

// Thread describes a group thread's roster and properties.
type Thread struct {
	ID      string
	Topic   string
	Members []ThreadMember
}

// GetThread fetches a group thread's roster and topic.
func (c *Client) GetThread(ctx context.Context, host string, creds Credentials, threadID string) (*Thread, error) {
	endpoint := fmt.Sprintf("https://%s/v1/threads/%s?view=msnp24Equivalent", host, escape(threadID))
	body, status, err := c.do(ctx, http.MethodGet, endpoint, &creds, nil, nil)
	if err != nil {
		return nil, internal.NetworkError(err, "thread fetch failed")
	}
	if status != http.StatusOK {
		return nil, internal.NetworkError(nil, "thread fetch returned HTTP %d", status)
	}
	th := &Thread{
		ID:    gjson.GetBytes(body, "id").String(),
		Topic: gjson.GetBytes(body, "properties.topic").String(),
	}
	gjson.GetBytes(body, "members").ForEach(func(_, m gjson.Result) bool {
		th.Members = append(th.Members, ThreadMember{
			ID:   m.Get("id").String(),
			Role: m.Get("role").String(),
		})
		return true
	})
	return th, nil
}

// CreateThread starts a new group thread with the given member list. Each
// member id must already carry its type prefix. The server announces the new
// thread through the poll, so there is nothing useful in the response body.
func (c *Client) CreateThread(ctx context.Context, host string, creds Credentials, selfID string, memberIDs []string) error {
	body := []byte(`{"members":[]}`)
	var err error
	body, err = sjson.SetBytes(body, "members.-1", map[string]interface{}{"id": selfID, "role": "Admin"})
	if err != nil {
		return internal.ProtocolError(err, "building thread body")
	}
	for _, id := range memberIDs {
		body, err = sjson.SetBytes(body, "members.-1", map[string]interface{}{"id": id, "role": "User"})
		if err != nil {
			return internal.ProtocolError(err, "building thread body")
		}
	}
	endpoint := fmt.Sprintf("https://%s/v1/threads", host)
	res, status, err := c.do(ctx, http.MethodPost, endpoint, &creds, nil, body)
	if err != nil {
		return internal.NetworkError(err, "thread creation failed")
	}
	if status < 200 || status > 299 {
		return internal.NetworkError(nil, "thread creation returned HTTP %d: %s", status, firstLine(res))
	}
	return nil
}

// SetPresenceStatus publishes the account's availability, e.g. "Available"
// or "Away".
func (c *Client) SetPresenceStatus(ctx context.Context, bearer, status string) error {
	body, err := sjson.SetBytes([]byte(`{}`), "availability", status)
	if err != nil {
		return internal.ProtocolError(err, "building presence body")
	}
	endpoint := fmt.Sprintf("https://%s/v1/me/forceavailability", PresenceHost)
	res, code, err := c.do(ctx, http.MethodPut, endpoint, nil, map[string]string{
		"Authorization": "Bearer " + bearer,
	}, body)
	if err != nil {
		return internal.NetworkError(err, "presence update failed")
	}
	if code < 200 || code > 299 {
		return internal.NetworkError(nil, "presence update returned HTTP %d: %s", code, firstLine(res))
	}
	return nil
}

// Profile is the signed-in account's own identity.
type Profile struct {
	Username    string
	DisplayName string
	TenantID    string
}

// SelfProfile fetches the account's own user record.
func (c *Client) SelfProfile(ctx context.Context, bearer string) (*Profile, error) {
	endpoint := "https://teams.microsoft.com/api/mt/beta/users/useraggregatesettings"
	body, status, err := c.do(ctx, http.MethodGet, endpoint, nil, map[string]string{
		"Authorization": "Bearer " + bearer,
	}, nil)
	if err != nil {
		return nil, internal.NetworkError(err, "profile fetch failed")
	}
	if status != http.StatusOK {
		return nil, internal.NetworkError(nil, "profile fetch returned HTTP %d", status)
	}
	p := &Profile{
		Username:    gjson.GetBytes(body, "userDetails.upn").String(),
		DisplayName: gjson.GetBytes(body, "userDetails.name").String(),
		TenantID:    gjson.GetBytes(body, "tenantDetails.tenantId").String(),
	}
	if p.Username == "" {
		return nil, internal.ProtocolError(nil, "profile response missing upn")
	}
	return p, nil
}

// Logout deletes the registered endpoint so the server stops queueing events
// for it.
func (c *Client) Logout(ctx context.Context, host string, creds Credentials, endpointID string) error {
	endpoint := fmt.Sprintf("https://%s/v1/users/ME/endpoints/%s", host, escape(endpointID))
	_, status, err := c.do(ctx, http.MethodDelete, endpoint, &creds, nil, nil)
	if err != nil {
		return internal.NetworkError(err, "endpoint delete failed")
	}
	if status < 200 || status > 299 && status != http.StatusNotFound {
		return internal.NetworkError(nil, "endpoint delete returned HTTP %d", status)
	}
	return nil
}
