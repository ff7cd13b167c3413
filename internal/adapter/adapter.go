package adapter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/nerrad567/gray-logic-sync/internal/device"
	"github.com/nerrad567/gray-logic-sync/internal/integration"
	"github.com/nerrad567/gray-logic-sync/internal/syncerr"
)

// DefaultTimeout bounds a single adapter call.
const DefaultTimeout = 30 * time.Second

var (
	// ErrUnsupported is returned for operations an adapter does not offer.
	ErrUnsupported = errors.New("adapter: operation not supported")

	// ErrRemoteNotFound is returned when the platform has no such device.
	ErrRemoteNotFound = errors.New("adapter: remote device not found")

	// ErrUnknownType is returned by Set.For for unregistered integration types.
	ErrUnknownType = errors.New("adapter: no adapter for integration type")

	// ErrMissingExternalID is returned when remote state does not identify its device.
	ErrMissingExternalID = errors.New("adapter: remote device has no external id")

	// ErrMissingSetting is returned when a required credential or setting is empty.
	ErrMissingSetting = errors.New("adapter: missing required setting")
)

// Logger defines the logging interface used by adapters.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Capabilities describes what an adapter can do.
type Capabilities struct {
	List bool // ListRemote returns the full remote inventory
	Get  bool // GetRemote fetches one device
	Push bool // PushLocal writes local state to the platform

	// Webhook means the platform delivers device state to the inbound
	// webhook receiver.
	Webhook bool

	// Subscribe means the adapter keeps a live subscription feeding the
	// snapshot buffer.
	Subscribe bool

	// Batch means one queue entry should cover all devices of the
	// integration rather than one entry per device.
	Batch bool
}

// Target identifies the integration an adapter call runs against.
type Target struct {
	Integration *integration.Integration
	Credentials integration.Credentials
}

// ID returns the integration ID.
func (t Target) ID() string {
	return t.Integration.ID
}

// Setting returns a non-secret setting.
func (t Target) Setting(key string) string {
	return t.Integration.Setting(key)
}

// require returns the first missing credential or setting, classified as
// a validation failure.
func (t Target) require(creds []string, settings []string) error {
	for _, k := range creds {
		if t.Credentials.Get(k) == "" {
			return syncerr.Wrap(syncerr.KindValidation, "MISSING_CREDENTIAL", fmt.Errorf("%w: credential %s", ErrMissingSetting, k))
		}
	}
	for _, k := range settings {
		if t.Setting(k) == "" {
			return syncerr.Wrap(syncerr.KindValidation, "MISSING_SETTING", fmt.Errorf("%w: setting %s", ErrMissingSetting, k))
		}
	}
	return nil
}

// PushRequest carries one local device to push.
type PushRequest struct {
	Device *device.Device

	// ExternalID is the device's ID on the platform, from its assignment.
	ExternalID string
}

// Result is the outcome of a successful push.
type Result struct {
	ExternalID string
	Status     int

	// Remote is the platform's view after the push, when it returns one.
	Remote *RemoteDevice
}

// Adapter is one integration type's connection to its platform.
type Adapter interface {
	Type() integration.Type
	Capabilities() Capabilities

	// ListRemote returns every device the platform reports for t.
	ListRemote(ctx context.Context, t Target) ([]RemoteDevice, error)

	// GetRemote returns one device, or ErrRemoteNotFound.
	GetRemote(ctx context.Context, t Target, externalID string) (*RemoteDevice, error)

	// PushLocal writes the local device state to the platform.
	PushLocal(ctx context.Context, t Target, req PushRequest) (*Result, error)

	// TestConnection verifies credentials and reachability.
	TestConnection(ctx context.Context, t Target) error

	// TranslateError classifies a raw failure.
	TranslateError(err error) *syncerr.Error
}

// Set looks adapters up by integration type.
type Set struct {
	adapters map[integration.Type]Adapter
}

// NewSet builds a set from adapters. Later adapters replace earlier ones
// of the same type.
func NewSet(adapters ...Adapter) *Set {
	s := &Set{adapters: make(map[integration.Type]Adapter, len(adapters))}
	for _, a := range adapters {
		s.adapters[a.Type()] = a
	}
	return s
}

// For returns the adapter for t.
func (s *Set) For(t integration.Type) (Adapter, error) {
	a, ok := s.adapters[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
	return a, nil
}

// Types returns the registered integration types, sorted.
func (s *Set) Types() []integration.Type {
	out := make([]integration.Type, 0, len(s.adapters))
	for t := range s.adapters {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close closes every adapter holding connections.
func (s *Set) Close() error {
	var errs []error
	for _, a := range s.adapters {
		if c, ok := a.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// translate is the TranslateError shared by adapters without vendor
// specific codes. Missing remote devices are validation failures.
func translate(err error) *syncerr.Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrRemoteNotFound) {
		return syncerr.Wrap(syncerr.KindValidation, "REMOTE_NOT_FOUND", err)
	}
	if errors.Is(err, ErrUnsupported) {
		return syncerr.Wrap(syncerr.KindValidation, "NOT_SUPPORTED", err)
	}
	return syncerr.Classify(err)
}
