// Package aprs extracts positions, identities, and symbols from raw APRS-IS
// feed lines. It deliberately implements only the subset of APRS this
// server needs; anything it cannot make sense of is reported as a decode
// failure for the caller to skip.
package aprs

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Packet is the structured result of decoding one feed line.
type Packet struct {
	Callsign string
	Lat      float64
	Lng      float64
	// Symbol is the two-character table+glyph code, empty when the line
	// carried no symbol token. Callers must not substitute a default here:
	// an empty symbol means "leave the station's known symbol alone".
	Symbol  string
	Comment string
	// Timestamp is the packet-embedded time of day, zero when absent.
	// Callers fall back to time of receipt.
	Timestamp time.Time
}

// HasSymbol reports whether the line carried an explicit symbol token.
func (p Packet) HasSymbol() bool { return p.Symbol != "" }

// HasTimestamp reports whether the line carried an embedded timestamp.
func (p Packet) HasTimestamp() bool { return !p.Timestamp.IsZero() }

var (
	ErrNoCallsign = errors.New("aprs: no source callsign before '>'")
	ErrNoPosition = errors.New("aprs: no latitude/longitude tokens")
	ErrOutOfRange = errors.New("aprs: coordinates out of range")
)

// Coordinate tokens per the uncompressed APRS position format: DDMM.mmN /
// DDDMM.mmE. The two tokens are searched independently; real traffic does not
// always keep them adjacent.
var (
	latRe    = regexp.MustCompile(`([0-8]\d)([0-5]\d\.\d+)([NS])`)
	lngRe    = regexp.MustCompile(`([01]\d\d)([0-5]\d\.\d+)([EW])`)
	symbolRe = regexp.MustCompile(`([/\\])(.)`)
	// HHMMSSh: time of day in UTC ("h" zone indicator).
	timestampRe = regexp.MustCompile(`(\d{6})h`)
)

// IsServerComment reports whether the line is APRS-IS server chatter
// (banners, keep-alives, filter acks) rather than a station packet.
func IsServerComment(line string) bool {
	return strings.HasPrefix(line, "#")
}

// SourceCallsign returns the sending station's identifier, uppercased and
// trimmed, without attempting a full decode. It exists so the ingest loop can
// discard untracked traffic before paying for regex matching.
func SourceCallsign(line string) (string, error) {
	idx := strings.Index(line, ">")
	if idx <= 0 {
		return "", ErrNoCallsign
	}
	callsign := strings.ToUpper(strings.TrimSpace(line[:idx]))
	if callsign == "" {
		return "", ErrNoCallsign
	}
	return callsign, nil
}

// ParsePacket decodes one raw feed line into a Packet. A missing symbol or
// comment is not an error; missing or malformed coordinates are.
func ParsePacket(line string) (Packet, error) {
	return parsePacketAt(line, time.Now().UTC())
}

func parsePacketAt(line string, now time.Time) (Packet, error) {
	callsign, err := SourceCallsign(line)
	if err != nil {
		return Packet{}, err
	}

	latMatch := latRe.FindStringSubmatchIndex(line)
	lngMatch := lngRe.FindStringSubmatchIndex(line)
	if latMatch == nil || lngMatch == nil {
		return Packet{}, ErrNoPosition
	}

	lat, err := parseCoordinate(line, latMatch, "S")
	if err != nil {
		return Packet{}, err
	}
	lng, err := parseCoordinate(line, lngMatch, "W")
	if err != nil {
		return Packet{}, err
	}

	if math.IsNaN(lat) || math.IsInf(lat, 0) || math.IsNaN(lng) || math.IsInf(lng, 0) {
		return Packet{}, ErrOutOfRange
	}
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return Packet{}, ErrOutOfRange
	}

	pkt := Packet{
		Callsign:  callsign,
		Lat:       lat,
		Lng:       lng,
		Symbol:    symbolToken(line, lngMatch[0], lngMatch[1]),
		Comment:   trailingComment(line, lngMatch[1]),
		Timestamp: embeddedTimestamp(line, now),
	}

	return pkt, nil
}

// symbolToken returns the two-character table+glyph code, or "" when the line
// carries none. The uncompressed format places the table selector immediately
// before the longitude token and the glyph immediately after it; that pairing
// wins when present. Otherwise the first delimiter+character pair anywhere in
// the line is taken.
func symbolToken(line string, lngStart, lngEnd int) string {
	if lngStart > 0 && lngEnd < len(line) {
		table := line[lngStart-1]
		glyph := line[lngEnd]
		if (table == '/' || table == '\\') && glyph != ' ' {
			return string(table) + string(glyph)
		}
	}
	if m := symbolRe.FindStringSubmatch(line); m != nil {
		return m[1] + m[2]
	}
	return ""
}

// parseCoordinate converts one matched DD(D)MM.mm token to signed decimal
// degrees. negativeHemisphere selects which hemisphere letter flips the sign.
func parseCoordinate(line string, match []int, negativeHemisphere string) (float64, error) {
	degrees, err := strconv.Atoi(line[match[2]:match[3]])
	if err != nil {
		return 0, fmt.Errorf("aprs: degrees: %w", err)
	}
	minutes, err := strconv.ParseFloat(line[match[4]:match[5]], 64)
	if err != nil {
		return 0, fmt.Errorf("aprs: minutes: %w", err)
	}
	if minutes >= 60 {
		return 0, ErrOutOfRange
	}

	value := float64(degrees) + minutes/60
	if line[match[6]:match[7]] == negativeHemisphere {
		value = -value
	}
	return value, nil
}

// trailingComment extracts the free text after the longitude token, skipping
// the symbol glyph that conventionally follows it. Purely best effort: the
// comment is display-only and never worth failing a decode over.
func trailingComment(line string, lngEnd int) string {
	if lngEnd >= len(line) {
		return ""
	}
	rest := line[lngEnd:]
	// Uncompressed format places the symbol glyph directly after longitude.
	if len(rest) > 0 && rest[0] != ' ' {
		rest = rest[1:]
	}
	return strings.TrimSpace(rest)
}

// embeddedTimestamp finds an HHMMSSh token and resolves it against now's UTC
// date. A result more than 15 minutes ahead of now is assumed to have crossed
// midnight on the device and is rolled back one day. Returns the zero time
// when no usable token exists.
func embeddedTimestamp(line string, now time.Time) time.Time {
	m := timestampRe.FindStringSubmatch(line)
	if m == nil {
		return time.Time{}
	}

	hour, _ := strconv.Atoi(m[1][0:2])
	minute, _ := strconv.Atoi(m[1][2:4])
	second, _ := strconv.Atoi(m[1][4:6])
	if hour > 23 || minute > 59 || second > 59 {
		return time.Time{}
	}

	now = now.UTC()
	ts := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, second, 0, time.UTC)
	if ts.After(now.Add(15 * time.Minute)) {
		ts = ts.AddDate(0, 0, -1)
	}
	return ts
}
