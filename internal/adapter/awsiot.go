package adapter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"

	"github.com/nerrad567/gray-logic-sync/internal/activity"
	"github.com/nerrad567/gray-logic-sync/internal/integration"
	"github.com/nerrad567/gray-logic-sync/internal/syncerr"
)

const awsSigningService = "iot"

// AWSIoT polls the AWS IoT Core registry API, signing each request with
// SigV4.
type AWSIoT struct {
	http   *HTTPClient
	signer *v4.Signer
	now    func() time.Time
}

// NewAWSIoT creates an AWS IoT Core adapter.
func NewAWSIoT(client *HTTPClient) *AWSIoT {
	return &AWSIoT{http: client, signer: v4.NewSigner(), now: time.Now}
}

// Type implements Adapter.
func (a *AWSIoT) Type() integration.Type { return integration.TypeAWSIoT }

// Capabilities implements Adapter.
func (a *AWSIoT) Capabilities() Capabilities {
	return Capabilities{List: true, Get: true, Push: true, Webhook: true, Batch: true}
}

func (a *AWSIoT) check(t Target) error {
	return t.require(
		[]string{integration.CredAccessKeyID, integration.CredSecretAccessKey},
		[]string{integration.SettingRegion},
	)
}

func (a *AWSIoT) endpoint(t Target) string {
	return baseURL(t, "https://iot."+t.Setting(integration.SettingRegion)+".amazonaws.com")
}

func (a *AWSIoT) request(t Target, act activity.Type, method, u string, body []byte) Request {
	req := newRequest(t, act, method, u, body)
	creds := aws.Credentials{
		AccessKeyID:     t.Credentials.Get(integration.CredAccessKeyID),
		SecretAccessKey: t.Credentials.Get(integration.CredSecretAccessKey),
		SessionToken:    t.Credentials.Get(integration.CredSessionToken),
	}
	region := t.Setting(integration.SettingRegion)
	req.Sign = func(r *http.Request, payload []byte) error {
		sum := sha256.Sum256(payload)
		return a.signer.SignHTTP(r.Context(), creds, r, hex.EncodeToString(sum[:]), awsSigningService, region, a.now())
	}
	req.Translate = translateAWS
	return req
}

// ListRemote pages through things with nextToken.
func (a *AWSIoT) ListRemote(ctx context.Context, t Target) ([]RemoteDevice, error) {
	if err := a.check(t); err != nil {
		return nil, err
	}

	var out []RemoteDevice
	token := ""
	for page := 0; page < maxPages; page++ {
		q := url.Values{}
		q.Set("maxResults", "100")
		if token != "" {
			q.Set("nextToken", token)
		}
		resp, err := a.http.Do(ctx, a.request(t, activity.TypeListDevices, http.MethodGet,
			a.endpoint(t)+"/things?"+q.Encode(), nil))
		if err != nil {
			return nil, err
		}

		var body struct {
			Things    []map[string]any `json:"things"`
			NextToken string           `json:"nextToken"`
		}
		if err := decodeResponse(resp, &body); err != nil {
			return nil, err
		}
		received := a.now().UTC()
		for _, thing := range body.Things {
			if rd := awsThing(thing, received); rd.ExternalID != "" {
				out = append(out, rd)
			}
		}
		if body.NextToken == "" {
			break
		}
		token = body.NextToken
	}
	return out, nil
}

// GetRemote describes one thing.
func (a *AWSIoT) GetRemote(ctx context.Context, t Target, externalID string) (*RemoteDevice, error) {
	if err := a.check(t); err != nil {
		return nil, err
	}
	resp, err := a.http.Do(ctx, a.request(t, activity.TypeGetDevice, http.MethodGet,
		a.endpoint(t)+"/things/"+url.PathEscape(externalID), nil))
	if err != nil {
		if isNotFound(err) {
			return nil, notFound(externalID)
		}
		return nil, err
	}
	item, err := objectItem(resp)
	if err != nil {
		return nil, err
	}
	rd := awsThing(item, a.now())
	if rd.ExternalID == "" {
		rd.ExternalID = externalID
	}
	return &rd, nil
}

// PushLocal merges the device state into the thing's attributes. AWS
// attributes are flat strings, so tags are joined with commas.
func (a *AWSIoT) PushLocal(ctx context.Context, t Target, req PushRequest) (*Result, error) {
	if err := a.check(t); err != nil {
		return nil, err
	}
	d := req.Device
	attrs := map[string]string{
		"name":             d.Name,
		"status":           string(d.Status),
		"firmware_version": d.FirmwareVersion,
		"tags":             strings.Join(d.Tags, ","),
	}
	if d.SerialNumber != "" {
		attrs["serial_number"] = d.SerialNumber
	}
	body, err := jsonBody(map[string]any{
		"attributePayload": map[string]any{"attributes": attrs, "merge": true},
	})
	if err != nil {
		return nil, err
	}

	r := a.request(t, activity.TypePushDevice, http.MethodPatch,
		a.endpoint(t)+"/things/"+url.PathEscape(req.ExternalID), body)
	r.DeviceID = d.ID
	resp, err := a.http.Do(ctx, r)
	if err != nil {
		if isNotFound(err) {
			return nil, notFound(req.ExternalID)
		}
		return nil, err
	}
	return &Result{ExternalID: req.ExternalID, Status: resp.Status}, nil
}

// TestConnection lists a single thing.
func (a *AWSIoT) TestConnection(ctx context.Context, t Target) error {
	if err := a.check(t); err != nil {
		return err
	}
	_, err := a.http.Do(ctx, a.request(t, activity.TypeTestConnection, http.MethodGet,
		a.endpoint(t)+"/things?maxResults=1", nil))
	return err
}

// TranslateError implements Adapter.
func (a *AWSIoT) TranslateError(err error) *syncerr.Error {
	return translate(err)
}

// translateAWS maps AWS error types carried in the response.
func translateAWS(resp *Response, err *syncerr.Error) *syncerr.Error {
	code := resp.Header.Get("X-Amzn-ErrorType")
	if i := strings.IndexByte(code, ':'); i >= 0 {
		code = code[:i]
	}
	if code == "" {
		var body struct {
			Type    string `json:"__type"`
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if decodeResponse(resp, &body) == nil {
			code = firstString(body.Type, body.Code)
			if body.Message != "" {
				err.Message = body.Message
			}
		}
	}
	if i := strings.LastIndexByte(code, '#'); i >= 0 {
		code = code[i+1:]
	}

	switch code {
	case "ThrottlingException", "LimitExceededException", "TooManyRequestsException":
		err.Kind = syncerr.KindRateLimited
		err.Code = code
	case "UnauthorizedException", "UnrecognizedClientException", "InvalidSignatureException",
		"AccessDeniedException", "ExpiredTokenException":
		err.Kind = syncerr.KindAuth
		err.Code = code
	case "ServiceUnavailableException", "InternalFailureException", "InternalException":
		err.Kind = syncerr.KindTransient
		err.Code = code
	case "":
	default:
		err.Code = code
	}
	return err
}

func awsThing(item map[string]any, received time.Time) RemoteDevice {
	attrs := mapOf(item["attributes"])
	rd := RemoteDevice{
		ExternalID:      firstString(item["thingName"]),
		Name:            firstString(attrs["name"], item["thingName"]),
		SerialNumber:    firstString(attrs["serial_number"], attrs["serialNumber"]),
		DeviceType:      firstString(item["thingTypeName"]),
		Status:          normaliseStatus(attrs["status"]),
		FirmwareVersion: firstString(attrs["firmware_version"], attrs["firmwareVersion"]),
		BatteryLevel:    firstFloat(attrs["battery_level"]),
		SignalStrength:  firstInt(attrs["signal_strength"]),
		ReceivedAt:      received.UTC(),
	}
	if _, ok := attrs["tags"]; ok {
		rd.Tags = stringList(attrs["tags"])
	}

	known := map[string]struct{}{
		"name": {}, "serial_number": {}, "serialNumber": {}, "status": {},
		"firmware_version": {}, "firmwareVersion": {}, "battery_level": {},
		"signal_strength": {}, "tags": {},
	}
	for k, v := range attrs {
		if _, skip := known[k]; skip {
			continue
		}
		if rd.Metadata == nil {
			rd.Metadata = make(map[string]any)
		}
		rd.Metadata[k] = v
	}
	return rd
}
