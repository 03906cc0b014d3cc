package cardata

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// Token is the CarData token set. It embeds oauth2.Token and additionally
// decodes the expires_in attribute and the id_token the streaming broker
// authenticates with.
type Token struct {
	oauth2.Token

	IDToken    string    `json:"id_token"`
	Scope      string    `json:"scope"`
	ExpiresIn  int       `json:"expires_in"`
	ReceivedAt time.Time `json:"received_at"`
	GCID       string    `json:"gcid"`
}

func (t *Token) UnmarshalJSON(data []byte) error {
	var s struct {
		oauth2.Token
		IDToken   string `json:"id_token"`
		Scope     string `json:"scope"`
		ExpiresIn int    `json:"expires_in"`

		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}

	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s.Error != "" {
		return &AuthError{Kind: AuthErrorRejected, Code: s.Error, Message: s.ErrorDescription}
	}

	t.Token = s.Token
	t.IDToken = s.IDToken
	t.Scope = s.Scope
	t.ExpiresIn = s.ExpiresIn
	t.ReceivedAt = time.Now()
	if s.Expiry.IsZero() && s.ExpiresIn != 0 {
		t.Expiry = t.ReceivedAt.Add(time.Duration(s.ExpiresIn) * time.Second)
	}
	t.GCID, _ = ExtractGCID(s.IDToken)

	return nil
}

// ValidAt reports whether the access token is still usable at the given time.
func (t *Token) ValidAt(now time.Time) bool {
	if t == nil || t.AccessToken == "" {
		return false
	}
	return now.Before(t.ReceivedAt.Add(time.Duration(t.ExpiresIn) * time.Second))
}

// ExtractGCID pulls the gcid claim out of the id token. The signature is not
// verified here; the claim only scopes the MQTT subscription topic and the
// broker rejects mismatches on its own.
func ExtractGCID(idToken string) (string, error) {
	if idToken == "" {
		return "", fmt.Errorf("empty id token")
	}
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(idToken, claims); err != nil {
		return "", fmt.Errorf("parse id token: %w", err)
	}
	if gcid, ok := claims["gcid"].(string); ok && gcid != "" {
		return gcid, nil
	}
	// some token variants carry the identifier as subject
	if sub, ok := claims["sub"].(string); ok && sub != "" {
		return sub, nil
	}
	return "", fmt.Errorf("id token has no gcid claim")
}

// DeviceAuthorization is the response of the device code endpoint.
type DeviceAuthorization struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
}

// VerificationURL prefers the complete URI when the server supplies one.
func (d DeviceAuthorization) VerificationURL() string {
	if d.VerificationURIComplete != "" {
		return d.VerificationURIComplete
	}
	return d.VerificationURI
}

// VehicleMapping is one entry of the /customers/vehicles/mappings response.
type VehicleMapping struct {
	VIN         string    `json:"vin"`
	MappingType string    `json:"mappingType"`
	MappedSince time.Time `json:"mappedSince"`
}

// DescriptorValue is one telemetry field of a telematic or stream payload.
type DescriptorValue struct {
	Value     any    `json:"value"`
	Unit      string `json:"unit"`
	Timestamp string `json:"timestamp"`
}

// Time parses the descriptor timestamp, falling back to the zero value.
func (d DescriptorValue) Time() time.Time {
	if d.Timestamp == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, d.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// TelematicData is the container contents for one vehicle.
type TelematicData struct {
	TelematicData map[string]DescriptorValue `json:"telematicData"`
}

// BasicData is the static vehicle record returned by the basic data endpoint.
type BasicData struct {
	VIN             string `json:"vin"`
	Model           string `json:"modelName"`
	Series          string `json:"series"`
	Brand           string `json:"brand"`
	BodyType        string `json:"bodyType"`
	ConstructedYear int    `json:"yearOfConstruction"`
	SoftwareVersion string `json:"softwareVersion"`
}

// StreamMessage is the decoded payload of one MQTT message.
type StreamMessage struct {
	VIN  string                     `json:"vin"`
	Data map[string]DescriptorValue `json:"data"`
}
