package codec

import (
	"bytes"

	"github.com/pkg/errors"
)

// AVCDecoderConfigurationRecord represents the AVC configuration from FLV
// This is carried by the first video tag of a stream (AVCPacketType = 0)
type AVCDecoderConfigurationRecord struct {
	ConfigurationVersion uint8
	AVCProfileIndication uint8
	ProfileCompatibility uint8
	AVCLevelIndication   uint8
	LengthSizeMinusOne   uint8
	SPS                  [][]byte // Sequence Parameter Sets
	PPS                  [][]byte // Picture Parameter Sets

	// Present only for High profiles (100, 110, 122, 144) when the encoder wrote them
	HasExtension         bool
	ChromaFormat         uint8
	BitDepthLumaMinus8   uint8
	BitDepthChromaMinus8 uint8
	SPSExt               [][]byte
}

// ParseAVCDecoderConfigurationRecord parses the AVCC structure from FLV video data
// This is called when we receive a video tag with AVCPacketType = 0 (sequence header)
func ParseAVCDecoderConfigurationRecord(data []byte) (*AVCDecoderConfigurationRecord, error) {
	r := newByteReader(data)
	record := &AVCDecoderConfigurationRecord{}

	var err error
	if record.ConfigurationVersion, err = r.u8(); err != nil {
		return nil, errors.Wrap(err, "avc configuration version")
	}
	if record.AVCProfileIndication, err = r.u8(); err != nil {
		return nil, errors.Wrap(err, "avc profile")
	}
	if record.ProfileCompatibility, err = r.u8(); err != nil {
		return nil, errors.Wrap(err, "avc profile compatibility")
	}
	if record.AVCLevelIndication, err = r.u8(); err != nil {
		return nil, errors.Wrap(err, "avc level")
	}

	// Reserved (6 bits) + length size minus one (2 bits)
	b, err := r.u8()
	if err != nil {
		return nil, errors.Wrap(err, "avc length size")
	}
	record.LengthSizeMinusOne = b & 0x03

	// Reserved (3 bits) + number of SPS (5 bits)
	numOfSPS, err := r.u8()
	if err != nil {
		return nil, errors.Wrap(err, "avc sps count")
	}
	numOfSPS &= 0x1F

	record.SPS = make([][]byte, 0, numOfSPS)
	for i := 0; i < int(numOfSPS); i++ {
		sps, err := r.lengthPrefixed()
		if err != nil {
			return nil, errors.Wrapf(err, "avc sps %d", i)
		}
		record.SPS = append(record.SPS, sps)
	}

	// Number of PPS is a full byte
	numOfPPS, err := r.u8()
	if err != nil {
		return nil, errors.Wrap(err, "avc pps count")
	}

	record.PPS = make([][]byte, 0, numOfPPS)
	for i := 0; i < int(numOfPPS); i++ {
		pps, err := r.lengthPrefixed()
		if err != nil {
			return nil, errors.Wrapf(err, "avc pps %d", i)
		}
		record.PPS = append(record.PPS, pps)
	}

	if isHighProfile(record.AVCProfileIndication) && r.remaining() >= 4 {
		if err := record.parseExtension(r); err != nil {
			return nil, err
		}
	}

	return record, nil
}

func (record *AVCDecoderConfigurationRecord) parseExtension(r *byteReader) error {
	chroma, _ := r.u8()
	lumaDepth, _ := r.u8()
	chromaDepth, _ := r.u8()
	numOfSPSExt, _ := r.u8()

	record.HasExtension = true
	record.ChromaFormat = chroma & 0x03
	record.BitDepthLumaMinus8 = lumaDepth & 0x07
	record.BitDepthChromaMinus8 = chromaDepth & 0x07

	for i := 0; i < int(numOfSPSExt); i++ {
		ext, err := r.lengthPrefixed()
		if err != nil {
			return errors.Wrapf(err, "avc sps ext %d", i)
		}
		record.SPSExt = append(record.SPSExt, ext)
	}
	return nil
}

// NALULengthSize returns the size of the length prefix in front of each NAL unit
func (record *AVCDecoderConfigurationRecord) NALULengthSize() int {
	return int(record.LengthSizeMinusOne) + 1
}

// Equal compares two records by content
func (record *AVCDecoderConfigurationRecord) Equal(other *AVCDecoderConfigurationRecord) bool {
	if record == nil || other == nil {
		return record == other
	}
	return record.ConfigurationVersion == other.ConfigurationVersion &&
		record.AVCProfileIndication == other.AVCProfileIndication &&
		record.ProfileCompatibility == other.ProfileCompatibility &&
		record.AVCLevelIndication == other.AVCLevelIndication &&
		record.LengthSizeMinusOne == other.LengthSizeMinusOne &&
		equalSets(record.SPS, other.SPS) &&
		equalSets(record.PPS, other.PPS) &&
		equalSets(record.SPSExt, other.SPSExt)
}

func isHighProfile(profile uint8) bool {
	switch profile {
	case 100, 110, 122, 144:
		return true
	default:
		return false
	}
}

func equalSets(a, b [][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !bytes.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}
