package rtsp

import (
	"fmt"

	"github.com/icholy/digest"
)

// DigestInfo is the challenge state carried forward after a 401 so later
// requests on the same connection can be pre-authenticated, matching
// spec §4.5: HA1 = MD5(user:realm:pwd), HA2 = MD5(method:uri),
// response = MD5(HA1:nonce:HA2).
type DigestInfo struct {
	Username string
	Realm    string
	Password string
	Nonce    string
}

// authorizationHeader computes the client digest response for method/uri
// and formats the literal Authorization header value spec §4.5 names.
func (d DigestInfo) authorizationHeader(method, uri string) (string, error) {
	chal := &digest.Challenge{
		Realm:     d.Realm,
		Nonce:     d.Nonce,
		Algorithm: "MD5",
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   method,
		URI:      uri,
		Username: d.Username,
		Password: d.Password,
	})
	if err != nil {
		return "", fmt.Errorf("rtsp: computing digest response: %w", err)
	}

	return fmt.Sprintf(
		`Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s"`,
		d.Username, d.Realm, d.Nonce, uri, cred.Response,
	), nil
}

// parseWWWAuthenticate extracts realm and nonce from a 401 response's
// WWW-Authenticate header.
func parseWWWAuthenticate(header string) (realm, nonce string, err error) {
	chal, err := digest.ParseChallenge(header)
	if err != nil {
		return "", "", fmt.Errorf("rtsp: parsing WWW-Authenticate: %w", err)
	}
	return chal.Realm, chal.Nonce, nil
}
