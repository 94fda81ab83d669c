package codec

import (
	"github.com/pkg/errors"
)

// hevcFixedSize is the length of the HEVCDecoderConfigurationRecord before the NAL arrays
const hevcFixedSize = 23

// HEVCNALUArray is one parameter set array of an HEVC configuration record
type HEVCNALUArray struct {
	ArrayCompleteness bool
	NALUnitType       uint8
	NALUnits          [][]byte
}

// HEVCDecoderConfigurationRecord represents the hvcC structure (ISO/IEC 14496-15 8.3.3.1)
type HEVCDecoderConfigurationRecord struct {
	ConfigurationVersion             uint8
	GeneralProfileSpace              uint8
	GeneralTierFlag                  bool
	GeneralProfileIdc                uint8
	GeneralProfileCompatibilityFlags uint32
	GeneralConstraintIndicatorFlags  uint64 // 48 bits
	GeneralLevelIdc                  uint8
	MinSpatialSegmentationIdc        uint16
	ParallelismType                  uint8
	ChromaFormatIdc                  uint8
	BitDepthLumaMinus8               uint8
	BitDepthChromaMinus8             uint8
	AvgFrameRate                     uint16
	ConstantFrameRate                uint8
	NumTemporalLayers                uint8
	TemporalIDNested                 bool
	LengthSizeMinusOne               uint8
	Arrays                           []HEVCNALUArray
}

// ParseHEVCDecoderConfigurationRecord parses the hvcC structure carried by an HEVC sequence header tag
func ParseHEVCDecoderConfigurationRecord(data []byte) (*HEVCDecoderConfigurationRecord, error) {
	if len(data) < hevcFixedSize {
		return nil, errors.Wrapf(ErrCodecConfigTruncated, "hevc record is %d bytes, need at least %d", len(data), hevcFixedSize)
	}

	r := newByteReader(data)
	record := &HEVCDecoderConfigurationRecord{}

	record.ConfigurationVersion, _ = r.u8()

	b, _ := r.u8()
	record.GeneralProfileSpace = b >> 6
	record.GeneralTierFlag = b&0x20 != 0
	record.GeneralProfileIdc = b & 0x1F

	record.GeneralProfileCompatibilityFlags, _ = r.u32()
	record.GeneralConstraintIndicatorFlags, _ = r.u48()
	record.GeneralLevelIdc, _ = r.u8()

	v, _ := r.u16()
	record.MinSpatialSegmentationIdc = v & 0x0FFF

	b, _ = r.u8()
	record.ParallelismType = b & 0x03
	b, _ = r.u8()
	record.ChromaFormatIdc = b & 0x03
	b, _ = r.u8()
	record.BitDepthLumaMinus8 = b & 0x07
	b, _ = r.u8()
	record.BitDepthChromaMinus8 = b & 0x07

	record.AvgFrameRate, _ = r.u16()

	// constantFrameRate(2) numTemporalLayers(3) temporalIdNested(1) lengthSizeMinusOne(2)
	b, _ = r.u8()
	record.ConstantFrameRate = b >> 6
	record.NumTemporalLayers = (b >> 3) & 0x07
	record.TemporalIDNested = b&0x04 != 0
	record.LengthSizeMinusOne = b & 0x03

	numOfArrays, _ := r.u8()
	record.Arrays = make([]HEVCNALUArray, 0, numOfArrays)
	for i := 0; i < int(numOfArrays); i++ {
		header, err := r.u8()
		if err != nil {
			return nil, errors.Wrapf(err, "hevc array %d header", i)
		}
		numNalus, err := r.u16()
		if err != nil {
			return nil, errors.Wrapf(err, "hevc array %d count", i)
		}

		arr := HEVCNALUArray{
			ArrayCompleteness: header&0x80 != 0,
			NALUnitType:       header & 0x3F,
			NALUnits:          make([][]byte, 0, numNalus),
		}
		for j := 0; j < int(numNalus); j++ {
			nalu, err := r.lengthPrefixed()
			if err != nil {
				return nil, errors.Wrapf(err, "hevc array %d nalu %d", i, j)
			}
			arr.NALUnits = append(arr.NALUnits, nalu)
		}
		record.Arrays = append(record.Arrays, arr)
	}

	return record, nil
}

// NALULengthSize returns the size of the length prefix in front of each NAL unit
func (record *HEVCDecoderConfigurationRecord) NALULengthSize() int {
	return int(record.LengthSizeMinusOne) + 1
}

// VPS returns the video parameter sets
func (record *HEVCDecoderConfigurationRecord) VPS() [][]byte {
	return record.unitsOfType(HEVCNalVPS)
}

// SPS returns the sequence parameter sets
func (record *HEVCDecoderConfigurationRecord) SPS() [][]byte {
	return record.unitsOfType(HEVCNalSPS)
}

// PPS returns the picture parameter sets
func (record *HEVCDecoderConfigurationRecord) PPS() [][]byte {
	return record.unitsOfType(HEVCNalPPS)
}

func (record *HEVCDecoderConfigurationRecord) unitsOfType(t uint8) [][]byte {
	var out [][]byte
	for _, arr := range record.Arrays {
		if arr.NALUnitType == t {
			out = append(out, arr.NALUnits...)
		}
	}
	return out
}

// Equal compares two records by content
func (record *HEVCDecoderConfigurationRecord) Equal(other *HEVCDecoderConfigurationRecord) bool {
	if record == nil || other == nil {
		return record == other
	}
	if record.GeneralProfileIdc != other.GeneralProfileIdc ||
		record.GeneralLevelIdc != other.GeneralLevelIdc ||
		record.ChromaFormatIdc != other.ChromaFormatIdc ||
		record.LengthSizeMinusOne != other.LengthSizeMinusOne ||
		len(record.Arrays) != len(other.Arrays) {
		return false
	}
	for i := range record.Arrays {
		a, b := record.Arrays[i], other.Arrays[i]
		if a.NALUnitType != b.NALUnitType || !equalSets(a.NALUnits, b.NALUnits) {
			return false
		}
	}
	return true
}
