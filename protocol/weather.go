package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/timzifer/wearsync/runtime/records"
)

// Record paths and field names shared with the companion.
const (
	PathSync    = "/Sync"
	PathWeather = "/weather-data"

	FieldRequestedAt = "time"
	FieldMinTemp     = "INDEX_MIN_TEMP"
	FieldMaxTemp     = "INDEX_MAX_TEMP"
	FieldDescription = "WEATHER_DESCRIPTION"
	FieldImage       = "WEATHER_IMAGE"
)

// ErrMalformedPayload reports a record that does not carry the expected fields.
var ErrMalformedPayload = errors.New("malformed payload")

// ErrorKind classifies protocol failures.
type ErrorKind int

const (
	MalformedPayload ErrorKind = iota + 1
)

func (k ErrorKind) String() string {
	switch k {
	case MalformedPayload:
		return "malformed_payload"
	default:
		return "unknown"
	}
}

// ProtocolError describes a record that could not be decoded.
type ProtocolError struct {
	Kind ErrorKind
	Path string
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: %s on %s: %v", e.Kind, e.Path, e.Err)
}

func (e *ProtocolError) Unwrap() []error {
	if e.Kind == MalformedPayload {
		return []error{ErrMalformedPayload, e.Err}
	}
	return []error{e.Err}
}

func malformed(path string, err error) error {
	return &ProtocolError{Kind: MalformedPayload, Path: path, Err: err}
}

// WeatherUpdate is the decoded form of a /weather-data record.
type WeatherUpdate struct {
	MinTemp     float64
	MaxTemp     float64
	Description string
	Icon        records.AssetReference
	Version     int64
}

// SameContent reports whether both updates carry the same weather, ignoring
// the record version.
func (u WeatherUpdate) SameContent(o WeatherUpdate) bool {
	return u.MinTemp == o.MinTemp &&
		u.MaxTemp == o.MaxTemp &&
		u.Description == o.Description &&
		u.Icon == o.Icon
}

// EncodeWeatherUpdate converts an update into record fields.
func EncodeWeatherUpdate(u WeatherUpdate) (records.Fields, error) {
	if u.Icon.IsZero() {
		return nil, malformed(PathWeather, fmt.Errorf("field %q: empty asset reference", FieldImage))
	}
	return records.Fields{
		FieldMinTemp:     records.FloatValue(u.MinTemp),
		FieldMaxTemp:     records.FloatValue(u.MaxTemp),
		FieldDescription: records.StringValue(u.Description),
		FieldImage:       records.AssetValue(u.Icon),
	}, nil
}

// DecodeWeatherUpdate extracts an update from a record. Every field is
// required; a missing or mistyped one rejects the whole record.
func DecodeWeatherUpdate(rec records.Record) (WeatherUpdate, error) {
	lo, err := rec.Fields.Float(FieldMinTemp)
	if err != nil {
		return WeatherUpdate{}, malformed(rec.Path, err)
	}
	hi, err := rec.Fields.Float(FieldMaxTemp)
	if err != nil {
		return WeatherUpdate{}, malformed(rec.Path, err)
	}
	desc, err := rec.Fields.Text(FieldDescription)
	if err != nil {
		return WeatherUpdate{}, malformed(rec.Path, err)
	}
	icon, err := rec.Fields.Asset(FieldImage)
	if err != nil {
		return WeatherUpdate{}, malformed(rec.Path, err)
	}
	if icon.IsZero() {
		return WeatherUpdate{}, malformed(rec.Path, fmt.Errorf("field %q: empty asset reference", FieldImage))
	}
	return WeatherUpdate{
		MinTemp:     lo,
		MaxTemp:     hi,
		Description: desc,
		Icon:        icon,
		Version:     rec.Version,
	}, nil
}

// EncodeResyncRequest builds the /Sync fields for a request issued at t.
func EncodeResyncRequest(t time.Time) records.Fields {
	return records.Fields{FieldRequestedAt: records.IntValue(t.UnixMilli())}
}

// DecodeResyncRequest returns the time a resync was requested at.
func DecodeResyncRequest(rec records.Record) (time.Time, error) {
	ms, err := rec.Fields.Int(FieldRequestedAt)
	if err != nil {
		return time.Time{}, malformed(rec.Path, err)
	}
	return time.UnixMilli(ms), nil
}
