// Package mpegts holds the MPEG-TS wire formats shared by the ingest and
// egress paths: 188-byte cell headers, PCR fields, PSI sections with
// their CRC, PAT/PMT tables and PES headers.
package mpegts

const (
	CellSize = 188
	SyncByte = 0x47

	PIDPAT  uint16 = 0x0000
	PIDCAT  uint16 = 0x0001
	PIDNull uint16 = 0x1FFF

	TableIDPAT uint8 = 0x00
	TableIDCAT uint8 = 0x01
	TableIDPMT uint8 = 0x02
)

// Descriptor tags consulted when classifying PMT entries.
const (
	DescRegistration uint8 = 0x05
	DescCA           uint8 = 0x09
	DescLanguage     uint8 = 0x0A
	DescTeletext     uint8 = 0x56
	DescSubtitle     uint8 = 0x59
	DescAC3          uint8 = 0x6A
	DescAAC          uint8 = 0x7C
)

// Header is the parsed fixed header and adaptation field flags of a cell.
type Header struct {
	PID                       uint16
	ContinuityCounter         uint8
	Scrambling                uint8
	TransportErrorIndicator   bool
	PayloadUnitStartIndicator bool
	HasAdaptationField        bool
	HasPayload                bool
	DiscontinuityIndicator    bool
	HasPCR                    bool
	// PayloadOffset is the index of the first payload byte. It equals
	// CellSize when the cell carries no payload.
	PayloadOffset int
}

// PAT is a Program Association Table section.
type PAT struct {
	TransportStreamID uint16
	Version           uint8
	Programs          []PATProgram
}

// PATProgram maps a program number to its PMT PID.
type PATProgram struct {
	Number uint16
	PMTPID uint16
}

// PMT is a Program Map Table section.
type PMT struct {
	ProgramNumber uint16
	Version       uint8
	PCRPID        uint16
	Descriptors   []Descriptor
	Streams       []PMTStream
}

// PMTStream is one elementary stream entry of a PMT.
type PMTStream struct {
	StreamType  uint8
	PID         uint16
	Descriptors []Descriptor
}

// Descriptor is a raw tag/length/value descriptor.
type Descriptor struct {
	Tag  uint8
	Data []byte
}

// Find returns the first descriptor with tag.
func Find(ds []Descriptor, tag uint8) (Descriptor, bool) {
	for _, d := range ds {
		if d.Tag == tag {
			return d, true
		}
	}
	return Descriptor{}, false
}
