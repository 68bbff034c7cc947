package discovery

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"fluxbridge/models"
)

// MaxAnnouncementSize bounds one encoded announcement packet.
const MaxAnnouncementSize = 8 * 1024

const (
	fieldPeerID    protowire.Number = 1
	fieldName      protowire.Number = 2
	fieldAddresses protowire.Number = 3
	fieldPort      protowire.Number = 4
	fieldSentAt    protowire.Number = 5
)

var announcementMagic = []byte("FXB1")

// ErrMalformedAnnouncement is returned for packets that cannot be decoded.
var ErrMalformedAnnouncement = errors.New("discovery: malformed announcement")

// EncodeAnnouncement serializes an announcement for the wire.
func EncodeAnnouncement(ann models.Announcement) []byte {
	out := make([]byte, 0, 64+len(ann.Name)+len(ann.PeerID))
	out = append(out, announcementMagic...)

	out = protowire.AppendTag(out, fieldPeerID, protowire.BytesType)
	out = protowire.AppendString(out, ann.PeerID)
	out = protowire.AppendTag(out, fieldName, protowire.BytesType)
	out = protowire.AppendString(out, ann.Name)
	for _, addr := range ann.Addresses {
		out = protowire.AppendTag(out, fieldAddresses, protowire.BytesType)
		out = protowire.AppendString(out, addr)
	}
	out = protowire.AppendTag(out, fieldPort, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(ann.Port))
	if !ann.SentAt.IsZero() {
		out = protowire.AppendTag(out, fieldSentAt, protowire.VarintType)
		out = protowire.AppendVarint(out, uint64(ann.SentAt.UnixMilli()))
	}
	return out
}

// DecodeAnnouncement parses and validates one announcement packet.
// Unknown fields are skipped.
func DecodeAnnouncement(raw []byte) (models.Announcement, error) {
	var ann models.Announcement
	if len(raw) > MaxAnnouncementSize {
		return ann, fmt.Errorf("%w: %d bytes", ErrMalformedAnnouncement, len(raw))
	}
	if !bytes.HasPrefix(raw, announcementMagic) {
		return ann, fmt.Errorf("%w: bad magic", ErrMalformedAnnouncement)
	}

	b := raw[len(announcementMagic):]
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return ann, fmt.Errorf("%w: %v", ErrMalformedAnnouncement, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldPeerID && typ == protowire.BytesType:
			ann.PeerID, n = protowire.ConsumeString(b)
		case num == fieldName && typ == protowire.BytesType:
			ann.Name, n = protowire.ConsumeString(b)
		case num == fieldAddresses && typ == protowire.BytesType:
			var addr string
			addr, n = protowire.ConsumeString(b)
			if n >= 0 && strings.TrimSpace(addr) != "" {
				ann.Addresses = append(ann.Addresses, addr)
			}
		case num == fieldPort && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			if n >= 0 {
				if v > 65535 {
					return ann, fmt.Errorf("%w: port %d", ErrMalformedAnnouncement, v)
				}
				ann.Port = int(v)
			}
		case num == fieldSentAt && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			if n >= 0 {
				ann.SentAt = time.UnixMilli(int64(v))
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return ann, fmt.Errorf("%w: %v", ErrMalformedAnnouncement, protowire.ParseError(n))
		}
		b = b[n:]
	}

	ann.PeerID = strings.TrimSpace(ann.PeerID)
	if ann.PeerID == "" {
		return ann, fmt.Errorf("%w: missing peer id", ErrMalformedAnnouncement)
	}
	if ann.Port < 1 {
		return ann, fmt.Errorf("%w: missing port", ErrMalformedAnnouncement)
	}
	return ann, nil
}
