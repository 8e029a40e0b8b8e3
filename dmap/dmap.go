// Package dmap encodes DMAP/DAAP tagged data, the tag-length-value
// format AirTunes receivers expect for the SET_PARAMETER dmap body
// (track metadata) and artwork announcements.
package dmap

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// ctype mirrors the DMAP content type codes used by the reference
// implementation's DMAP_CODES table.
type ctype int

const (
	typeByte      ctype = 1
	typeShort     ctype = 3
	typeLong      ctype = 5
	typeLongLong  ctype = 7
	typeString    ctype = 9
	typeDate      ctype = 10
	typeVersion   ctype = 11
	typeContainer ctype = 12
)

type code struct {
	tag string
	typ ctype
}

// codes is the subset of the DMAP_CODES table exercised by track-info
// and artwork announcements; the full registry covers several hundred
// fields used by the DAAP browsing API this sender never calls.
var codes = map[string]code{
	"itemname":       {"minm", typeString},
	"itemkind":       {"mikd", typeByte},
	"itemid":         {"miid", typeLong},
	"persistentid":   {"mper", typeLongLong},
	"songalbum":      {"asal", typeString},
	"songartist":     {"asar", typeString},
	"songgenre":      {"asgn", typeString},
	"songtime":       {"astm", typeLong},
	"songtracknumber": {"astn", typeShort},
	"songtrackcount": {"astc", typeShort},
	"songdiscnumber": {"asdn", typeShort},
	"songdisccount":  {"asdc", typeShort},
	"songyear":       {"asyr", typeShort},
	"mediakind":      {"aeMK", typeByte},
	"listingitem":    {"mlit", typeContainer},
}

// Item is a single tag/value pair pending encoding.
type Item struct {
	field string
	value interface{}
}

// NewItem builds an item for one of the known DMAP fields. field must
// be a key of the registry above (e.g. "songartist"); unknown fields
// return an error at Encode time rather than here, so NewItem itself
// never fails.
func NewItem(field string, value interface{}) Item {
	return Item{field: field, value: value}
}

// Encode packs one item to its wire form:
// [4-byte ASCII code][4-byte big-endian length][value].
func (it Item) Encode() ([]byte, error) {
	c, ok := codes[it.field]
	if !ok {
		return nil, fmt.Errorf("dmap: unknown field %q", it.field)
	}

	var buf bytes.Buffer
	buf.WriteString(c.tag)

	payload, err := encodeValue(c.typ, it.value)
	if err != nil {
		return nil, fmt.Errorf("dmap: field %q: %w", it.field, err)
	}

	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(payload)))
	buf.Write(length[:])
	buf.Write(payload)
	return buf.Bytes(), nil
}

func encodeValue(typ ctype, value interface{}) ([]byte, error) {
	switch typ {
	case typeByte:
		v, ok := toInt64(value)
		if !ok {
			return nil, fmt.Errorf("expected integer, got %T", value)
		}
		return []byte{byte(v)}, nil
	case typeShort:
		v, ok := toInt64(value)
		if !ok {
			return nil, fmt.Errorf("expected integer, got %T", value)
		}
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, uint16(v))
		return b, nil
	case typeLong, typeDate:
		v, ok := toInt64(value)
		if !ok {
			return nil, fmt.Errorf("expected integer, got %T", value)
		}
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, uint32(v))
		return b, nil
	case typeLongLong:
		v, ok := toInt64(value)
		if !ok {
			return nil, fmt.Errorf("expected integer, got %T", value)
		}
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, uint64(v))
		return b, nil
	case typeString:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", value)
		}
		return []byte(s), nil
	case typeContainer:
		b, ok := value.([]byte)
		if !ok {
			return nil, fmt.Errorf("expected pre-encoded container bytes, got %T", value)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unsupported dmap ctype %d", typ)
	}
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return int64(n), true
	case uint32:
		return int64(n), true
	default:
		return 0, false
	}
}

// EncodeListingItem wraps items in an `mlit` container, the shape
// AirTunes track metadata updates use.
func EncodeListingItem(items ...Item) ([]byte, error) {
	var inner bytes.Buffer
	for _, it := range items {
		b, err := it.Encode()
		if err != nil {
			return nil, err
		}
		inner.Write(b)
	}
	return Item{field: "listingitem", value: inner.Bytes()}.Encode()
}

// TrackInfo builds the body for SET_PARAMETER's dmap variant out of the
// common fields a now-playing display wants.
func TrackInfo(title, album, artist string, durationMS int64) ([]byte, error) {
	return EncodeListingItem(
		NewItem("itemname", title),
		NewItem("songalbum", album),
		NewItem("songartist", artist),
		NewItem("songtime", durationMS),
	)
}
