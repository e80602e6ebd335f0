package session

import (
	"fmt"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-sasl"
)

const (
	capAuthXOAuth2     imap.Cap = "AUTH=XOAUTH2"
	capAuthOAuthBearer imap.Cap = "AUTH=OAUTHBEARER"
)

// xoauth2Client implements the XOAUTH2 mechanism used by Gmail and Outlook.
// go-sasl only ships OAUTHBEARER.
type xoauth2Client struct {
	username string
	token    string
}

func newXOAuth2Client(username, token string) sasl.Client {
	return &xoauth2Client{username: username, token: token}
}

func (c *xoauth2Client) Start() (mech string, ir []byte, err error) {
	ir = []byte(fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", c.username, c.token))
	return "XOAUTH2", ir, nil
}

// Next answers the JSON error challenge with an empty response so the server
// can finish with a tagged NO.
func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	return []byte{}, nil
}

// oauthClient picks the OAuth mechanism advertised by the server, preferring
// OAUTHBEARER.
func oauthClient(caps imap.CapSet, username, token string) (sasl.Client, string) {
	if caps.Has(capAuthOAuthBearer) || !caps.Has(capAuthXOAuth2) {
		return sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: username,
			Token:    token,
		}), sasl.OAuthBearer
	}
	return newXOAuth2Client(username, token), "XOAUTH2"
}
