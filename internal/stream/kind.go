package stream

import "github.com/zsiec/tunerd/internal/mpegts"

// Kind is the content type of an elementary stream.
type Kind int

const (
	KindUnknown Kind = iota
	KindPAT
	KindPMT
	KindCA
	KindTable
	KindMPEG2Video
	KindH264
	KindHEVC
	KindMPEGAudio
	KindAC3
	KindAAC
	KindTeletext
	KindSubtitle
)

var kindNames = map[Kind]string{
	KindUnknown:    "unknown",
	KindPAT:        "pat",
	KindPMT:        "pmt",
	KindCA:         "ca",
	KindTable:      "table",
	KindMPEG2Video: "mpeg2video",
	KindH264:       "h264",
	KindHEVC:       "hevc",
	KindMPEGAudio:  "mpeg2audio",
	KindAC3:        "ac3",
	KindAAC:        "aac",
	KindTeletext:   "teletext",
	KindSubtitle:   "dvbsub",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// MarshalText renders the kind name in JSON.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// IsSection reports whether the stream carries PSI sections rather than
// PES packets.
func (k Kind) IsSection() bool {
	switch k {
	case KindPAT, KindPMT, KindCA, KindTable:
		return true
	}
	return false
}

func (k Kind) IsVideo() bool {
	return k == KindMPEG2Video || k == KindH264 || k == KindHEVC
}

func (k Kind) IsAudio() bool {
	return k == KindMPEGAudio || k == KindAC3 || k == KindAAC
}

// StreamType is the PMT stream_type used when re-muxing.
func (k Kind) StreamType() uint8 {
	switch k {
	case KindMPEG2Video:
		return 0x02
	case KindH264:
		return 0x1B
	case KindHEVC:
		return 0x24
	case KindMPEGAudio:
		return 0x04
	case KindAAC:
		return 0x0F
	case KindAC3:
		return 0x81
	case KindTeletext, KindSubtitle:
		return 0x06
	}
	return 0
}

// StreamID is the PES stream_id used when re-muxing.
func (k Kind) StreamID() uint8 {
	switch {
	case k.IsVideo():
		return 0xE0
	case k == KindMPEGAudio || k == KindAAC:
		return 0xC0
	default:
		return 0xBD
	}
}

// Classify maps a PMT entry to a Kind, letting descriptors refine the
// private stream types.
func Classify(es mpegts.PMTStream) Kind {
	kind := KindUnknown
	switch es.StreamType {
	case 0x01, 0x02:
		kind = KindMPEG2Video
	case 0x03, 0x04:
		kind = KindMPEGAudio
	case 0x0F, 0x11:
		kind = KindAAC
	case 0x1B:
		kind = KindH264
	case 0x24:
		kind = KindHEVC
	case 0x81:
		kind = KindAC3
	case 0x86:
		kind = KindTable
	}

	for _, d := range es.Descriptors {
		switch d.Tag {
		case mpegts.DescRegistration:
			if string(d.Data) == "AC-3" {
				kind = KindAC3
			}
		case mpegts.DescTeletext:
			if es.StreamType == 0x06 {
				kind = KindTeletext
			}
		case mpegts.DescAC3:
			if es.StreamType == 0x06 || es.StreamType == 0x81 {
				kind = KindAC3
			}
		case mpegts.DescSubtitle:
			if len(d.Data) >= 8 {
				kind = KindSubtitle
			}
		}
	}
	return kind
}

// Language returns the ISO 639 language code from the descriptors.
func Language(es mpegts.PMTStream) string {
	if d, ok := mpegts.Find(es.Descriptors, mpegts.DescLanguage); ok && len(d.Data) >= 3 {
		return string(d.Data[:3])
	}
	if d, ok := mpegts.Find(es.Descriptors, mpegts.DescSubtitle); ok && len(d.Data) >= 3 {
		return string(d.Data[:3])
	}
	return ""
}

// CAIDs returns the conditional access system ids named by CA descriptors.
func CAIDs(ds []mpegts.Descriptor) []uint16 {
	var ids []uint16
	for _, d := range ds {
		if d.Tag == mpegts.DescCA && len(d.Data) >= 2 {
			ids = append(ids, uint16(d.Data[0])<<8|uint16(d.Data[1]))
		}
	}
	return ids
}
